package conn

type DisconnectAction int

const (
	// NoAction keeps everything as is.
	NoAction DisconnectAction = iota
	// RetryConnect keeps the record; the same credentials may be retried.
	RetryConnect
	// KeepIdentity reduces the record to its identity remnant for a rejoin.
	KeepIdentity
	// ClearAndHome wipes all stored state and routes home.
	ClearAndHome
	// EndSession wipes all stored state and shows the terminal screen.
	EndSession
)

type Policy interface {
	OnDisconnect(r Reason) DisconnectAction
}

type SimplePolicy struct{}

func (SimplePolicy) OnDisconnect(r Reason) DisconnectAction {
	switch r.Kind {
	case KindCredential, KindLeft:
		return ClearAndHome
	case KindRoomCompleted, KindSessionExpired:
		return EndSession
	case KindIdentityConflict, KindGeneric:
		return KeepIdentity
	case KindNetwork:
		return RetryConnect
	}
	return NoAction
}
