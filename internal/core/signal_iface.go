package core

// Frame is a raw binary payload.
type Frame []byte

// SignalConnection is an outbound message channel with a bounded queue.
// TrySend never blocks; the owner must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// DataTrack is a subscribed remote data track.
type DataTrack interface {
	ID() string
	// OnMessage replaces the message handler.
	OnMessage(fn func(Frame))
}
