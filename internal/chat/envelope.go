package chat

import (
	"errors"
	"time"

	"github.com/chatmesh/chatmesh/pkg/json"
)

// Wire type values accepted on inbound envelopes.
const (
	TypeText    = "text"
	TypeChat    = "chat"
	TypePrivate = "private"
	TypeSystem  = "system"
	TypeChunk   = "chat_chunk"
	TypePing    = "ping"
)

// ChunkThreshold is the content length (in runes) above which a message is
// split into ordered chat_chunk envelopes. Reassembly is a client concern.
const ChunkThreshold = 1000

// Kind is the closed classification of an envelope, decided once at the
// dispatch boundary.
type Kind int

const (
	KindUnknown Kind = iota
	KindChat
	KindPrivate
	KindSystem
	KindChunk
	KindPing
)

// Envelope is one inbound or cluster-relayed chat message.
type Envelope struct {
	Type        string  `json:"type"`
	Room        string  `json:"room"`
	UserID      string  `json:"user_id"`
	Content     string  `json:"content"`
	Timestamp   float64 `json:"timestamp"`
	Target      string  `json:"target,omitempty"`
	ChunkIndex  int     `json:"chunk_index,omitempty"`
	TotalChunks int     `json:"total_chunks,omitempty"`
	SourceNode  string  `json:"source_node,omitempty"`
}

var (
	ErrMissingType    = errors.New("envelope missing type")
	ErrMissingRoom    = errors.New("envelope missing room")
	ErrMissingContent = errors.New("envelope missing content")
)

// Kind classifies the envelope by its wire type.
func (e *Envelope) Kind() Kind {
	switch e.Type {
	case TypeChat, TypeText:
		return KindChat
	case TypePrivate:
		return KindPrivate
	case TypeSystem:
		return KindSystem
	case TypeChunk:
		return KindChunk
	case TypePing:
		return KindPing
	default:
		return KindUnknown
	}
}

// Validate checks the fields every routable envelope must carry.
// Pings are exempt from the room/content requirement.
func (e *Envelope) Validate() error {
	if e.Type == "" {
		return ErrMissingType
	}
	if e.Kind() == KindPing {
		return nil
	}
	if e.Room == "" {
		return ErrMissingRoom
	}
	if e.Content == "" {
		return ErrMissingContent
	}
	return nil
}

// Encode serializes the envelope to its wire form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses an envelope from its wire form.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// Now returns the current time as an envelope timestamp.
func Now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// Chunk splits an oversized envelope into ordered chat_chunk envelopes.
// Envelopes at or under the threshold are returned unchanged.
func Chunk(e Envelope) []Envelope {
	runes := []rune(e.Content)
	if len(runes) <= ChunkThreshold {
		return []Envelope{e}
	}

	total := (len(runes) + ChunkThreshold - 1) / ChunkThreshold
	chunks := make([]Envelope, 0, total)
	for i := 0; i < total; i++ {
		start := i * ChunkThreshold
		end := start + ChunkThreshold
		if end > len(runes) {
			end = len(runes)
		}
		c := e
		c.Type = TypeChunk
		c.Content = string(runes[start:end])
		c.ChunkIndex = i
		c.TotalChunks = total
		chunks = append(chunks, c)
	}
	return chunks
}
