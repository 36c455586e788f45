package chat

// Transport is the write side of one client connection. The registry owns
// sessions, not transports; a failed Send is reported back as a disconnect.
type Transport interface {
	Send(data []byte) error
	Close() error
}
