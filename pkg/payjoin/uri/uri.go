// Package uri parses and builds BIP 21 payment URIs carrying the
// payjoin `pj` extension parameters.
package uri

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

const uriPrefix = "bitcoin:"

// PjUri is a BIP 21 URI with payjoin capability.
type PjUri struct {
	Address string
	Amount  btcutil.Amount
	Label   string
	Message string

	// Endpoint is the payjoin endpoint advertised via the pj param.
	Endpoint *url.URL
	// OhttpKeys are present on v2 store-and-forward endpoints.
	OhttpKeys *ohttp.Keys
	// DisableOutputSubstitution reflects pjos=0.
	DisableOutputSubstitution bool
}

// Parse decodes a BIP 21 URI and requires the pj extension.
func Parse(s string) (*PjUri, error) {
	if !strings.HasPrefix(strings.ToLower(s), uriPrefix) {
		return nil, fmt.Errorf("missing %q scheme", uriPrefix)
	}
	rest := s[len(uriPrefix):]
	address := rest
	var query string
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		address, query = rest[:idx], rest[idx+1:]
	}
	if address == "" {
		return nil, fmt.Errorf("missing address")
	}

	params, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("invalid query: %w", err)
	}

	uri := &PjUri{Address: address}
	if v := params.Get("amount"); v != "" {
		btc, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", v, err)
		}
		amount, err := btcutil.NewAmount(btc)
		if err != nil {
			return nil, fmt.Errorf("invalid amount %q: %w", v, err)
		}
		uri.Amount = amount
	}
	uri.Label = params.Get("label")
	uri.Message = params.Get("message")

	pj := params.Get("pj")
	if pj == "" {
		return nil, fmt.Errorf("missing pj parameter, not a payjoin uri")
	}
	endpoint, err := url.Parse(pj)
	if err != nil {
		return nil, fmt.Errorf("invalid pj endpoint: %w", err)
	}
	if endpoint.Scheme != "https" && endpoint.Scheme != "http" {
		return nil, fmt.Errorf("unsupported pj endpoint scheme %q", endpoint.Scheme)
	}
	uri.Endpoint = endpoint
	uri.DisableOutputSubstitution = params.Get("pjos") == "0"

	if v := params.Get("ohttp"); v != "" {
		keys, err := ohttp.ParseKeys(v)
		if err != nil {
			return nil, fmt.Errorf("invalid ohttp parameter: %w", err)
		}
		uri.OhttpKeys = &keys
	}

	return uri, nil
}

func (u *PjUri) String() string {
	params := url.Values{}
	if u.Amount > 0 {
		params.Set("amount", strconv.FormatFloat(u.Amount.ToBTC(), 'f', -1, 64))
	}
	if u.Label != "" {
		params.Set("label", u.Label)
	}
	if u.Message != "" {
		params.Set("message", u.Message)
	}
	if u.Endpoint != nil {
		params.Set("pj", u.Endpoint.String())
	}
	if u.DisableOutputSubstitution {
		params.Set("pjos", "0")
	}
	if u.OhttpKeys != nil {
		params.Set("ohttp", u.OhttpKeys.String())
	}
	return uriPrefix + u.Address + "?" + params.Encode()
}

// Builder assembles a PjUri for one receiver session.
type Builder struct {
	uri PjUri
}

// NewBuilder binds the receiving address to a payjoin endpoint and,
// for v2 endpoints, the OHTTP key configuration.
func NewBuilder(address string, endpoint *url.URL, keys *ohttp.Keys) Builder {
	return Builder{uri: PjUri{
		Address:   address,
		Endpoint:  endpoint,
		OhttpKeys: keys,
	}}
}

func (b Builder) Amount(amount btcutil.Amount) Builder {
	b.uri.Amount = amount
	return b
}

func (b Builder) Label(label string) Builder {
	b.uri.Label = label
	return b
}

func (b Builder) Message(message string) Builder {
	b.uri.Message = message
	return b
}

// DisableOutputSubstitution marks the offer as pjos=0, denying the
// receiver the right to swap its output script.
func (b Builder) DisableOutputSubstitution() Builder {
	b.uri.DisableOutputSubstitution = true
	return b
}

func (b Builder) Build() *PjUri {
	uri := b.uri
	return &uri
}
