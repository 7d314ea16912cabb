package receive

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/uri"
)

// ReceiverOpts configures one v2 payjoin session.
type ReceiverOpts struct {
	// Address is the receiving address offered to the sender.
	Address string
	// Network the address must belong to.
	Network *chaincfg.Params
	// Directory is the store-and-forward payjoin directory.
	Directory *url.URL
	// OhttpKeys requests to the directory are sealed to.
	OhttpKeys ohttp.Keys
	// OhttpRelay keeps the receiver IP confidential towards the
	// directory.
	OhttpRelay *url.URL
	// ExpireAfter bounds the session lifetime. Zero means no expiry;
	// enforcement past expiry is the host scheduler's job.
	ExpireAfter time.Duration
}

func (o ReceiverOpts) validate() (btcutil.Address, error) {
	if o.Network == nil {
		return nil, fmt.Errorf("network is required")
	}
	addr, err := btcutil.DecodeAddress(o.Address, o.Network)
	if err != nil {
		return nil, fmt.Errorf("invalid receiving address: %w", err)
	}
	if !addr.IsForNet(o.Network) {
		return nil, fmt.Errorf("address %s is not valid for %s", o.Address, o.Network.Name)
	}
	for name, endpoint := range map[string]*url.URL{
		"directory":   o.Directory,
		"ohttp relay": o.OhttpRelay,
	} {
		if endpoint == nil {
			return nil, fmt.Errorf("%s url is required", name)
		}
		if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
			return nil, fmt.Errorf("unsupported %s scheme %q", name, endpoint.Scheme)
		}
	}
	if o.OhttpKeys.PublicKey == nil {
		return nil, fmt.Errorf("ohttp keys are required")
	}
	return addr, nil
}

// Receiver is the immutable descriptor of one payjoin session. It
// produces the poll requests towards the directory and consumes their
// responses; the host performs the actual network calls.
type Receiver struct {
	opts      ReceiverOpts
	address   btcutil.Address
	key       *btcec.PrivateKey
	expiresAt time.Time
}

// NewReceiver opens a session, deriving a fresh per-session key that
// identifies its directory subdirectory.
func NewReceiver(opts ReceiverOpts) (*Receiver, error) {
	addr, err := opts.validate()
	if err != nil {
		return nil, err
	}
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	var expiresAt time.Time
	if opts.ExpireAfter > 0 {
		expiresAt = time.Now().Add(opts.ExpireAfter)
	}
	return &Receiver{opts: opts, address: addr, key: key, expiresAt: expiresAt}, nil
}

// RestoreReceiver rebuilds a persisted session from its configuration
// and serialized session key.
func RestoreReceiver(opts ReceiverOpts, sessionKey []byte, expiresAt time.Time) (*Receiver, error) {
	addr, err := opts.validate()
	if err != nil {
		return nil, err
	}
	if len(sessionKey) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("invalid session key length %d", len(sessionKey))
	}
	key, _ := btcec.PrivKeyFromBytes(sessionKey)
	return &Receiver{opts: opts, address: addr, key: key, expiresAt: expiresAt}, nil
}

// ID is the per-session public key used as the session identifier at
// the directory.
func (r *Receiver) ID() string {
	return base64.RawURLEncoding.EncodeToString(r.key.PubKey().SerializeCompressed())
}

// SessionKey exposes the serialized session private key for
// persistence across restarts.
func (r *Receiver) SessionKey() []byte {
	return r.key.Serialize()
}

// ExpiresAt reports when the session lapses; zero when unbounded.
func (r *Receiver) ExpiresAt() time.Time {
	return r.expiresAt
}

// Address returns the validated receiving address.
func (r *Receiver) Address() btcutil.Address {
	return r.address
}

// PjURL is the session subdirectory at the payjoin directory, the
// contents of the `pj=` URI parameter.
func (r *Receiver) PjURL() *url.URL {
	return r.opts.Directory.JoinPath(r.ID())
}

func (r *Receiver) originalPath() string {
	return r.PjURL().Path
}

func (r *Receiver) proposalPath() string {
	return r.PjURL().Path + "/payjoin"
}

// PjUriBuilder hands off to the payment-URI surface, carrying the
// subdirectory endpoint and the OHTTP key material.
func (r *Receiver) PjUriBuilder() uri.Builder {
	keys := r.opts.OhttpKeys
	return uri.NewBuilder(r.opts.Address, r.PjURL(), &keys)
}

// ExtractReq builds one poll request for the session subdirectory,
// sealed through the OHTTP relay. Every call produces a fresh
// encapsulation, so polling loops must re-extract rather than resend.
func (r *Receiver) ExtractReq(sealer ohttp.Sealer) (payjoin.Request, *ohttp.ClientResponse, error) {
	payload := ohttp.EncodeRequest("GET", r.originalPath(), nil)
	sealed, ctx, err := sealer.Seal(r.opts.OhttpKeys, payload)
	if err != nil {
		return payjoin.Request{}, nil, fmt.Errorf("failed to seal poll request: %w", err)
	}
	return payjoin.Request{
		URL:         r.opts.OhttpRelay,
		ContentType: payjoin.OhttpReqContentType,
		Body:        sealed,
	}, ctx, nil
}

// ProcessRes decodes a poll response. It returns the sender's original
// proposal once one is available, or nil while the subdirectory is
// still empty.
func (r *Receiver) ProcessRes(body []byte, ctx *ohttp.ClientResponse) (*UncheckedProposal, error) {
	plain, err := ctx.Open(body)
	if err != nil {
		return nil, fmt.Errorf("failed to open poll response: %w", err)
	}
	status, payload, err := ohttp.DecodeResponse(plain)
	if err != nil {
		return nil, err
	}
	switch status {
	case ohttp.StatusAccepted:
		return nil, nil
	case ohttp.StatusOK:
		if len(payload) == 0 {
			return nil, nil
		}
		return newUncheckedProposalFromPayload(payload, r)
	default:
		return nil, &payjoin.TransportError{Status: int(status), Body: string(payload)}
	}
}
