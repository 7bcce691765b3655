package core

//go:generate mockgen -destination=mocks/mock_signal.go -package=mocks . SignalConnection

// Frame is one encoded protocol message.
type Frame []byte

// SignalConnection abstracts the relay side of one client's messaging transport.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	// TrySend enqueues f without blocking; a full queue is reported as an error.
	TrySend(Frame) error
	Close()
}
