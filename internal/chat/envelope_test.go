package chat

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeKind(t *testing.T) {
	tests := []struct {
		wireType string
		want     Kind
	}{
		{TypeChat, KindChat},
		{TypeText, KindChat},
		{TypePrivate, KindPrivate},
		{TypeSystem, KindSystem},
		{TypeChunk, KindChunk},
		{TypePing, KindPing},
		{"presence_blast", KindUnknown},
		{"", KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.wireType, func(t *testing.T) {
			e := Envelope{Type: tt.wireType}
			assert.Equal(t, tt.want, e.Kind())
		})
	}
}

func TestEnvelopeValidate(t *testing.T) {
	tests := []struct {
		name    string
		env     Envelope
		wantErr error
	}{
		{
			name: "valid chat message",
			env:  Envelope{Type: TypeChat, Room: "general", UserID: "alice", Content: "hi"},
		},
		{
			name:    "missing type",
			env:     Envelope{Room: "general", Content: "hi"},
			wantErr: ErrMissingType,
		},
		{
			name:    "missing room",
			env:     Envelope{Type: TypeChat, Content: "hi"},
			wantErr: ErrMissingRoom,
		},
		{
			name:    "missing content",
			env:     Envelope{Type: TypeChat, Room: "general"},
			wantErr: ErrMissingContent,
		},
		{
			name: "ping needs no room or content",
			env:  Envelope{Type: TypePing},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.env.Validate()
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestChunkUnderThresholdUnchanged(t *testing.T) {
	e := Envelope{Type: TypeChat, Room: "general", UserID: "alice", Content: strings.Repeat("a", ChunkThreshold)}
	parts := Chunk(e)
	require.Len(t, parts, 1)
	assert.Equal(t, e, parts[0])
	assert.Equal(t, TypeChat, parts[0].Type)
	assert.Zero(t, parts[0].TotalChunks)
}

func TestChunkSplitsOversizedContent(t *testing.T) {
	content := strings.Repeat("a", ChunkThreshold) +
		strings.Repeat("b", ChunkThreshold) +
		strings.Repeat("c", 7)
	e := Envelope{Type: TypeChat, Room: "general", UserID: "alice", Content: content, Timestamp: 42}

	parts := Chunk(e)
	require.Len(t, parts, 3)

	var rebuilt strings.Builder
	for i, p := range parts {
		assert.Equal(t, TypeChunk, p.Type)
		assert.Equal(t, i, p.ChunkIndex)
		assert.Equal(t, 3, p.TotalChunks)
		assert.Equal(t, "general", p.Room)
		assert.Equal(t, "alice", p.UserID)
		assert.Equal(t, float64(42), p.Timestamp)
		rebuilt.WriteString(p.Content)
	}
	assert.Equal(t, content, rebuilt.String())
	assert.Len(t, parts[2].Content, 7)
}

func TestChunkCountsRunesNotBytes(t *testing.T) {
	// Multi-byte runes must never be split mid-character.
	content := strings.Repeat("é", ChunkThreshold+1)
	parts := Chunk(Envelope{Type: TypeChat, Room: "r", Content: content})
	require.Len(t, parts, 2)
	assert.Len(t, []rune(parts[0].Content), ChunkThreshold)
	assert.Len(t, []rune(parts[1].Content), 1)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	e := Envelope{
		Type:       TypePrivate,
		Room:       "general",
		UserID:     "alice",
		Content:    "psst",
		Timestamp:  1700000000.5,
		Target:     "bob",
		SourceNode: "node-1",
	}
	data, err := e.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, e, *got)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte("{not json"))
	assert.Error(t, err)
}
