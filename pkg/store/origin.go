package store

// Kind is the provenance class of a mutation.
type Kind uint8

const (
	KindLocal Kind = iota + 1
	KindRemote
	KindServer
	KindInit
	KindClient
)

// Origin labels a transaction with where its change came from. It is created at the mutation call site and handed
// to observers, it is never persisted beyond the commit message.
type Origin struct {
	Kind     Kind
	ClientID string
}

var (
	OriginLocal  = Origin{Kind: KindLocal}
	OriginRemote = Origin{Kind: KindRemote}
	OriginServer = Origin{Kind: KindServer}
	OriginInit   = Origin{Kind: KindInit}
)

// ClientOrigin is the tag a client stamps on its own user-driven mutations.
func ClientOrigin(id string) Origin {
	return Origin{Kind: KindClient, ClientID: id}
}

// FromNetwork reports whether the change arrived from somewhere else and must not be sent back out.
func (o Origin) FromNetwork() bool {
	switch o.Kind {
	case KindRemote, KindServer, KindInit:
		return true
	default:
		return false
	}
}

func (o Origin) String() string {
	switch o.Kind {
	case KindLocal:
		return "local"
	case KindRemote:
		return "remote"
	case KindServer:
		return "server"
	case KindInit:
		return "init"
	case KindClient:
		return "client:" + o.ClientID
	default:
		return "unknown"
	}
}
