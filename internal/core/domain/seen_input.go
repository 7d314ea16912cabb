package domain

import "context"

// SeenInput records an outpoint that appeared in a sender's original
// transaction. Replaying a known outpoint in a later session is how a
// malicious sender probes which UTXOs the receiver owns, so the log
// must survive restarts.
type SeenInput struct {
	Outpoint  string
	SessionId string
	SeenAt    int64
}

type SeenInputRepository interface {
	Exists(ctx context.Context, outpoint string) (bool, error)
	Add(ctx context.Context, inputs []SeenInput) error
	Close()
}
