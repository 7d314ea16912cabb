// Package ohttp implements the default encapsulation used between the
// wallet and the payjoin directory: an ephemeral secp256k1 ECDH key
// exchange, HKDF-SHA256 key derivation and ChaCha20-Poly1305 sealing.
// The response travels back under a key bound to the same exchange, so
// only the party that sealed a request can read its reply.
package ohttp

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

const (
	labelRequest  = "payjoin-ohttp request"
	labelResponse = "payjoin-ohttp response"
)

type sealer struct{}

// NewSealer returns the default client-side encapsulation. Every Seal
// call draws a fresh ephemeral key, so no two extracted requests share
// key material.
func NewSealer() ohttp.Sealer {
	return &sealer{}
}

func (s *sealer) Seal(
	keys ohttp.Keys, payload []byte,
) ([]byte, *ohttp.ClientResponse, error) {
	if keys.PublicKey == nil {
		return nil, nil, fmt.Errorf("missing gateway public key")
	}

	ephemeral, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral key: %w", err)
	}
	secret := btcec.GenerateSharedSecret(ephemeral, keys.PublicKey)

	requestKey, err := deriveKey(secret, keys.KeyID, labelRequest)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(requestKey)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	enc := make([]byte, 0, 1+btcec.PubKeyBytesLenCompressed+len(nonce)+len(payload)+aead.Overhead())
	enc = append(enc, keys.KeyID)
	enc = append(enc, ephemeral.PubKey().SerializeCompressed()...)
	enc = append(enc, nonce...)
	enc = aead.Seal(enc, nonce, payload, nil)

	responseKey, err := deriveKey(secret, keys.KeyID, labelResponse)
	if err != nil {
		return nil, nil, err
	}
	ctx := ohttp.NewClientResponse(func(body []byte) ([]byte, error) {
		return openSealed(responseKey, body)
	})

	return enc, ctx, nil
}

// Gateway is the directory-side counterpart of the sealer. It opens
// encapsulated requests and seals each reply under the key bound to
// the request's ephemeral exchange.
type Gateway struct {
	key   *btcec.PrivateKey
	keyID uint8
}

func NewGateway(key *btcec.PrivateKey, keyID uint8) *Gateway {
	return &Gateway{key: key, keyID: keyID}
}

// Keys returns the key configuration clients seal against.
func (g *Gateway) Keys() ohttp.Keys {
	return ohttp.Keys{KeyID: g.keyID, PublicKey: g.key.PubKey()}
}

// Open decapsulates one request and returns the payload together with
// a reply function sealing the response for the requesting client.
func (g *Gateway) Open(enc []byte) ([]byte, func(body []byte) ([]byte, error), error) {
	minLen := 1 + btcec.PubKeyBytesLenCompressed + chacha20poly1305.NonceSize
	if len(enc) < minLen {
		return nil, nil, fmt.Errorf("encapsulated request too short")
	}
	if enc[0] != g.keyID {
		return nil, nil, fmt.Errorf("unknown key id %d", enc[0])
	}
	ephemeralPub, err := btcec.ParsePubKey(enc[1 : 1+btcec.PubKeyBytesLenCompressed])
	if err != nil {
		return nil, nil, fmt.Errorf("invalid ephemeral key: %w", err)
	}
	secret := btcec.GenerateSharedSecret(g.key, ephemeralPub)

	requestKey, err := deriveKey(secret, g.keyID, labelRequest)
	if err != nil {
		return nil, nil, err
	}
	aead, err := chacha20poly1305.New(requestKey)
	if err != nil {
		return nil, nil, err
	}
	rest := enc[1+btcec.PubKeyBytesLenCompressed:]
	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	payload, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open request: %w", err)
	}

	responseKey, err := deriveKey(secret, g.keyID, labelResponse)
	if err != nil {
		return nil, nil, err
	}
	reply := func(body []byte) ([]byte, error) {
		return sealWithKey(responseKey, body)
	}

	return payload, reply, nil
}

func deriveKey(secret []byte, keyID uint8, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, secret, []byte{keyID}, []byte(label))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("failed to derive %s key: %w", label, err)
	}
	return key, nil
}

func sealWithKey(key, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(body)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, body, nil), nil
}

func openSealed(key, body []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	if len(body) < aead.NonceSize() {
		return nil, fmt.Errorf("encapsulated response too short")
	}
	nonce, ciphertext := body[:aead.NonceSize()], body[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open response: %w", err)
	}
	return plain, nil
}
