package ports

import (
	"context"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
)

// DirectoryClient delivers extracted requests to the OHTTP relay in
// front of the payjoin directory and returns the encapsulated
// response body.
type DirectoryClient interface {
	Post(ctx context.Context, req payjoin.Request) ([]byte, error)
}
