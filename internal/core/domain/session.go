package domain

import (
	"context"
)

type SessionStatus int

const (
	SessionPending SessionStatus = iota
	SessionCompleted
	SessionExpired
	SessionFailed
)

func (s SessionStatus) String() string {
	switch s {
	case SessionPending:
		return "pending"
	case SessionCompleted:
		return "completed"
	case SessionExpired:
		return "expired"
	case SessionFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session is one receiver-side payjoin negotiation: a directory
// subdirectory keyed by the session public key, an address to be paid
// and an expiry after which the original transaction, if one arrived,
// is broadcast as-is.
type Session struct {
	Id         string
	Address    string
	Network    string
	Amount     uint64
	Directory  string
	OhttpRelay string
	// OhttpKeys is the encoded OHTTP key configuration of the directory.
	OhttpKeys []byte
	// SessionKey is the serialized session private key. Its public key
	// derives Id.
	SessionKey []byte
	CreatedAt  int64
	ExpiresAt  int64
	Status     SessionStatus
	// OriginalTx is the sender's signed fallback transaction, kept so
	// it can be broadcast when the session expires mid-negotiation.
	OriginalTx []byte
	// PayjoinTxid is set once a proposal was delivered back to the
	// sender.
	PayjoinTxid string
}

// SessionRepository stores the payjoin sessions opened by the wallet.
type SessionRepository interface {
	GetAll(ctx context.Context) ([]Session, error)
	Get(ctx context.Context, sessionId string) (*Session, error)
	Add(ctx context.Context, session Session) error
	Update(ctx context.Context, session Session) error
	Close()
}
