// Package ohttp defines the oblivious-HTTP capability boundary of the
// payjoin core. The encapsulation math itself is supplied by the host
// through the Sealer interface; this package only carries key
// configuration and the one-shot response context threaded through a
// store-and-forward exchange.
package ohttp

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

const keyConfigLen = 1 + btcec.PubKeyBytesLenCompressed

// Keys is the receiver-side OHTTP key configuration: a key identifier
// and the gateway public key requests are sealed to.
type Keys struct {
	KeyID     uint8
	PublicKey *btcec.PublicKey
}

// Encode serializes the key configuration to its wire form.
func (k Keys) Encode() []byte {
	buf := make([]byte, 0, keyConfigLen)
	buf = append(buf, k.KeyID)
	buf = append(buf, k.PublicKey.SerializeCompressed()...)
	return buf
}

// String returns the base64url form carried in the `ohttp=` URI param.
func (k Keys) String() string {
	return base64.RawURLEncoding.EncodeToString(k.Encode())
}

func DecodeKeys(buf []byte) (Keys, error) {
	if len(buf) != keyConfigLen {
		return Keys{}, fmt.Errorf("invalid ohttp key config length %d", len(buf))
	}
	pk, err := btcec.ParsePubKey(buf[1:])
	if err != nil {
		return Keys{}, fmt.Errorf("invalid ohttp gateway key: %w", err)
	}
	return Keys{KeyID: buf[0], PublicKey: pk}, nil
}

func ParseKeys(s string) (Keys, error) {
	buf, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return Keys{}, fmt.Errorf("invalid ohttp key encoding: %w", err)
	}
	return DecodeKeys(buf)
}

// Sealer encapsulates a payload to the gateway identified by keys. A
// fresh encapsulation context, and therefore a fresh nonce, must be
// produced on every call so extracted requests are never replayable.
type Sealer interface {
	Seal(keys Keys, payload []byte) (enc []byte, ctx *ClientResponse, err error)
}

// ClientResponse decapsulates the single response bound to one sealed
// request.
type ClientResponse struct {
	mu   sync.Mutex
	used bool
	open func(body []byte) ([]byte, error)
}

// NewClientResponse wraps a decapsulation continuation supplied by a
// Sealer implementation.
func NewClientResponse(open func(body []byte) ([]byte, error)) *ClientResponse {
	return &ClientResponse{open: open}
}

// Open decapsulates the response body. Each context is one-shot: a
// second call fails rather than reusing key material.
func (c *ClientResponse) Open(body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.used {
		return nil, fmt.Errorf("ohttp response context already consumed")
	}
	c.used = true
	return c.open(body)
}
