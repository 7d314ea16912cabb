package ohttp

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

func newGateway(t *testing.T) *Gateway {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	return NewGateway(key, 1)
}

func TestSealAndOpenRoundTrip(t *testing.T) {
	gateway := newGateway(t)
	payload := []byte("GET /abc\n")

	enc, ctx, err := NewSealer().Seal(gateway.Keys(), payload)
	require.NoError(t, err)
	require.NotNil(t, ctx)
	assert.NotContains(t, string(enc), "GET /abc")

	opened, reply, err := gateway.Open(enc)
	require.NoError(t, err)
	assert.Equal(t, payload, opened)

	response := []byte("stored proposal")
	sealed, err := reply(response)
	require.NoError(t, err)
	plain, err := ctx.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, response, plain)
}

func TestSealIsFreshPerCall(t *testing.T) {
	gateway := newGateway(t)
	payload := []byte("GET /abc\n")

	first, _, err := NewSealer().Seal(gateway.Keys(), payload)
	require.NoError(t, err)
	second, _, err := NewSealer().Seal(gateway.Keys(), payload)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}

func TestSealRequiresGatewayKey(t *testing.T) {
	_, _, err := NewSealer().Seal(ohttp.Keys{KeyID: 1}, []byte("payload"))
	require.Error(t, err)
}

func TestGatewayOpenRejects(t *testing.T) {
	gateway := newGateway(t)

	t.Run("truncated request", func(t *testing.T) {
		_, _, err := gateway.Open([]byte{0x01, 0x02, 0x03})
		require.Error(t, err)
	})

	t.Run("foreign key id", func(t *testing.T) {
		enc, _, err := NewSealer().Seal(gateway.Keys(), []byte("payload"))
		require.NoError(t, err)
		enc[0] = 9
		_, _, err = gateway.Open(enc)
		require.Error(t, err)
	})

	t.Run("tampered ciphertext", func(t *testing.T) {
		enc, _, err := NewSealer().Seal(gateway.Keys(), []byte("payload"))
		require.NoError(t, err)
		enc[len(enc)-1] ^= 0xff
		_, _, err = gateway.Open(enc)
		require.Error(t, err)
	})

	t.Run("request sealed to another gateway", func(t *testing.T) {
		other := newGateway(t)
		enc, _, err := NewSealer().Seal(other.Keys(), []byte("payload"))
		require.NoError(t, err)
		_, _, err = gateway.Open(enc)
		require.Error(t, err)
	})
}

func TestClientRejectsTamperedResponse(t *testing.T) {
	gateway := newGateway(t)

	enc, ctx, err := NewSealer().Seal(gateway.Keys(), []byte("payload"))
	require.NoError(t, err)
	_, reply, err := gateway.Open(enc)
	require.NoError(t, err)

	sealed, err := reply([]byte("response"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = ctx.Open(sealed)
	require.Error(t, err)
}
