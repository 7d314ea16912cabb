package send

import (
	"bytes"
	"net/url"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/uri"
)

const (
	fundingValue = 50_000
	paymentValue = 30_000
	changeValue  = 19_000
)

func testKey(t *testing.T, seed byte) *btcec.PrivateKey {
	t.Helper()
	key, _ := btcec.PrivKeyFromBytes(bytes.Repeat([]byte{seed}, 32))
	return key
}

func p2wkhScript(t *testing.T, seed byte) []byte {
	t.Helper()
	hash := btcutil.Hash160(testKey(t, seed).PubKey().SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_0).AddData(hash).Script()
	require.NoError(t, err)
	return script
}

func payeeAddress(t *testing.T) btcutil.Address {
	t.Helper()
	hash := btcutil.Hash160(testKey(t, 0x02).PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr
}

func payeeScript(t *testing.T) []byte {
	t.Helper()
	script, err := txscript.PayToAddrScript(payeeAddress(t))
	require.NoError(t, err)
	return script
}

func testOutPoint(t *testing.T, fill byte, index uint32) wire.OutPoint {
	t.Helper()
	var hash chainhash.Hash
	copy(hash[:], bytes.Repeat([]byte{fill}, chainhash.HashSize))
	return wire.OutPoint{Hash: hash, Index: index}
}

func finalWitness(t *testing.T, items ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, wire.WriteVarInt(&buf, 0, uint64(len(items))))
	for _, item := range items {
		require.NoError(t, wire.WriteVarBytes(&buf, 0, item))
	}
	return buf.Bytes()
}

func dummySigWitness(t *testing.T) []byte {
	t.Helper()
	sig := append(bytes.Repeat([]byte{0x01}, 71), byte(txscript.SigHashAll))
	pub := testKey(t, 0x0a).PubKey().SerializeCompressed()
	return finalWitness(t, sig, pub)
}

// signedOriginal builds a finalized original paying the fixture payee,
// funded by one 50k sat p2wkh input.
func signedOriginal(t *testing.T, outputs []*wire.TxOut) string {
	t.Helper()

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: testOutPoint(t, 0x11, 0),
		Sequence:         wire.MaxTxInSequenceNum - 1,
	})
	for _, out := range outputs {
		tx.AddTxOut(out)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	require.NoError(t, err)
	packet.Inputs[0].WitnessUtxo = &wire.TxOut{
		Value:    fundingValue,
		PkScript: p2wkhScript(t, 0x01),
	}
	packet.Inputs[0].FinalScriptWitness = dummySigWitness(t)

	b64, err := packet.B64Encode()
	require.NoError(t, err)
	return b64
}

func standardOutputs(t *testing.T) []*wire.TxOut {
	t.Helper()
	return []*wire.TxOut{
		{Value: paymentValue, PkScript: payeeScript(t)},
		{Value: changeValue, PkScript: p2wkhScript(t, 0x03)},
	}
}

func testUri(t *testing.T, amount btcutil.Amount, keys *ohttp.Keys) *uri.PjUri {
	t.Helper()
	endpoint, err := url.Parse("https://payjo.in/abc")
	require.NoError(t, err)
	return &uri.PjUri{
		Address:   payeeAddress(t).EncodeAddress(),
		Amount:    amount,
		Endpoint:  endpoint,
		OhttpKeys: keys,
	}
}

func newBuilder(t *testing.T) *SenderBuilder {
	t.Helper()
	builder, err := NewSenderBuilder(
		signedOriginal(t, standardOutputs(t)),
		testUri(t, 0, nil),
		&chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	return builder
}

func TestNewSenderBuilder(t *testing.T) {
	t.Run("accepts a signed original", func(t *testing.T) {
		builder := newBuilder(t)
		assert.Equal(t, 0, builder.payeeIndex)
		assert.Equal(t, payeeScript(t), builder.payeeScript)
	})

	t.Run("requires a payjoin endpoint", func(t *testing.T) {
		pjUri := testUri(t, 0, nil)
		pjUri.Endpoint = nil
		_, err := NewSenderBuilder(
			signedOriginal(t, standardOutputs(t)), pjUri, &chaincfg.RegressionNetParams,
		)
		require.Error(t, err)
	})

	t.Run("enforces the requested amount", func(t *testing.T) {
		_, err := NewSenderBuilder(
			signedOriginal(t, standardOutputs(t)),
			testUri(t, btcutil.Amount(paymentValue+1), nil),
			&chaincfg.RegressionNetParams,
		)
		require.Error(t, err)

		_, err = NewSenderBuilder(
			signedOriginal(t, standardOutputs(t)),
			testUri(t, btcutil.Amount(paymentValue), nil),
			&chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)
	})

	t.Run("rejects an original that skips the payee", func(t *testing.T) {
		outputs := []*wire.TxOut{
			{Value: paymentValue, PkScript: p2wkhScript(t, 0x0c)},
		}
		_, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.Error(t, err)
	})

	t.Run("rejects an unsigned original", func(t *testing.T) {
		tx := wire.NewMsgTx(2)
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: testOutPoint(t, 0x11, 0)})
		tx.AddTxOut(&wire.TxOut{Value: paymentValue, PkScript: payeeScript(t)})
		packet, err := psbt.NewFromUnsignedTx(tx)
		require.NoError(t, err)
		packet.Inputs[0].WitnessUtxo = &wire.TxOut{
			Value: fundingValue, PkScript: p2wkhScript(t, 0x01),
		}
		b64, err := packet.B64Encode()
		require.NoError(t, err)

		_, err = NewSenderBuilder(b64, testUri(t, 0, nil), &chaincfg.RegressionNetParams)
		require.Error(t, err)
	})
}

func TestDetermineFeeContribution(t *testing.T) {
	t.Run("uses the full offer when change covers it", func(t *testing.T) {
		sender, err := newBuilder(t).BuildWithAdditionalFee(1_000, nil, 1, true)
		require.NoError(t, err)
		require.NotNil(t, sender.contribution)
		assert.Equal(t, btcutil.Amount(1_000), sender.contribution.amount)
		assert.Equal(t, 1, sender.contribution.index)
	})

	t.Run("clamps to the change value", func(t *testing.T) {
		outputs := []*wire.TxOut{
			{Value: paymentValue, PkScript: payeeScript(t)},
			{Value: 500, PkScript: p2wkhScript(t, 0x03)},
		}
		builder, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		sender, err := builder.BuildWithAdditionalFee(1_000, nil, 1, true)
		require.NoError(t, err)
		require.NotNil(t, sender.contribution)
		assert.Equal(t, btcutil.Amount(500), sender.contribution.amount)
	})

	t.Run("refuses an offer beyond change without clamping", func(t *testing.T) {
		outputs := []*wire.TxOut{
			{Value: paymentValue, PkScript: payeeScript(t)},
			{Value: 500, PkScript: p2wkhScript(t, 0x03)},
		}
		builder, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		_, err = builder.BuildWithAdditionalFee(1_000, nil, 1, false)
		require.Error(t, err)
	})

	t.Run("rejects the payment output as change", func(t *testing.T) {
		payee := 0
		_, err := newBuilder(t).BuildWithAdditionalFee(1_000, &payee, 1, true)
		require.Error(t, err)
	})

	t.Run("rejects an out of range index", func(t *testing.T) {
		idx := 5
		_, err := newBuilder(t).BuildWithAdditionalFee(1_000, &idx, 1, true)
		require.Error(t, err)
	})

	t.Run("cannot auto-detect change among three outputs", func(t *testing.T) {
		outputs := append(standardOutputs(t),
			&wire.TxOut{Value: 100, PkScript: p2wkhScript(t, 0x0d)})
		builder, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		_, err = builder.BuildWithAdditionalFee(1_000, nil, 1, true)
		require.Error(t, err)
	})

	t.Run("explicit index works with three outputs", func(t *testing.T) {
		outputs := append(standardOutputs(t),
			&wire.TxOut{Value: 100, PkScript: p2wkhScript(t, 0x0d)})
		builder, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		idx := 1
		sender, err := builder.BuildWithAdditionalFee(1_000, &idx, 1, true)
		require.NoError(t, err)
		require.NotNil(t, sender.contribution)
		assert.Equal(t, 1, sender.contribution.index)
	})

	t.Run("payment-only original contributes nothing when clamped", func(t *testing.T) {
		outputs := []*wire.TxOut{{Value: paymentValue, PkScript: payeeScript(t)}}
		builder, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		sender, err := builder.BuildWithAdditionalFee(1_000, nil, 1, true)
		require.NoError(t, err)
		assert.Nil(t, sender.contribution)
	})

	t.Run("payment-only original fails without clamping", func(t *testing.T) {
		outputs := []*wire.TxOut{{Value: paymentValue, PkScript: payeeScript(t)}}
		builder, err := NewSenderBuilder(
			signedOriginal(t, outputs), testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)

		_, err = builder.BuildWithAdditionalFee(1_000, nil, 1, false)
		require.Error(t, err)
	})

	t.Run("non-incentivizing offers nothing", func(t *testing.T) {
		sender, err := newBuilder(t).BuildNonIncentivizing(1)
		require.NoError(t, err)
		assert.Nil(t, sender.contribution)
	})

	t.Run("recommended offer fits the change output", func(t *testing.T) {
		sender, err := newBuilder(t).BuildRecommended(1)
		require.NoError(t, err)
		require.NotNil(t, sender.contribution)
		assert.Positive(t, sender.contribution.amount)
		assert.LessOrEqual(t, sender.contribution.amount, btcutil.Amount(changeValue))
		assert.Equal(t, 1, sender.contribution.index)
	})

	t.Run("builder is consumed by the first build", func(t *testing.T) {
		builder := newBuilder(t)
		_, err := builder.BuildNonIncentivizing(1)
		require.NoError(t, err)
		_, err = builder.BuildRecommended(1)
		require.ErrorIs(t, err, ErrStageConsumed)
	})
}

func TestQueryParams(t *testing.T) {
	t.Run("carries the negotiated parameters", func(t *testing.T) {
		sender, err := newBuilder(t).
			AlwaysDisableOutputSubstitution().
			BuildWithAdditionalFee(1_000, nil, 2, true)
		require.NoError(t, err)

		query := sender.queryParams(payjoin.V1)
		assert.Equal(t, "1", query.Get("v"))
		assert.Equal(t, "0", query.Get("pjos"))
		assert.Equal(t, "1000", query.Get("maxadditionalfeecontribution"))
		assert.Equal(t, "1", query.Get("additionalfeeoutputindex"))
		assert.Equal(t, "2", query.Get("minfeerate"))
	})

	t.Run("omits what was not offered", func(t *testing.T) {
		sender, err := newBuilder(t).BuildNonIncentivizing(0)
		require.NoError(t, err)

		query := sender.queryParams(payjoin.V2)
		assert.Equal(t, "2", query.Get("v"))
		assert.Empty(t, query.Get("pjos"))
		assert.Empty(t, query.Get("maxadditionalfeecontribution"))
		assert.Empty(t, query.Get("minfeerate"))
	})
}

func TestExtractV1(t *testing.T) {
	sender, err := newBuilder(t).BuildWithAdditionalFee(1_000, nil, 1, true)
	require.NoError(t, err)

	req, ctx, err := sender.ExtractV1()
	require.NoError(t, err)
	require.NotNil(t, ctx)

	assert.Equal(t, payjoin.V1ContentType, req.ContentType)
	assert.Equal(t, "payjo.in", req.URL.Host)
	query := req.URL.Query()
	assert.Equal(t, "1", query.Get("v"))
	assert.Equal(t, "1000", query.Get("maxadditionalfeecontribution"))

	packet, err := payjoin.ParsePsbt(string(req.Body))
	require.NoError(t, err)
	assert.Len(t, packet.UnsignedTx.TxIn, 1)
}

// plainSealer passes payloads through unchanged so the framing can be
// inspected without real encapsulation.
type plainSealer struct{}

func (plainSealer) Seal(_ ohttp.Keys, payload []byte) ([]byte, *ohttp.ClientResponse, error) {
	return payload, ohttp.NewClientResponse(func(body []byte) ([]byte, error) {
		return body, nil
	}), nil
}

func TestExtractHighestVersion(t *testing.T) {
	relay, err := url.Parse("https://pj.bobspacebkk.com")
	require.NoError(t, err)
	keys := &ohttp.Keys{KeyID: 1, PublicKey: testKey(t, 0x0b).PubKey()}

	t.Run("falls back to v1 without ohttp keys", func(t *testing.T) {
		sender, err := newBuilder(t).BuildNonIncentivizing(1)
		require.NoError(t, err)

		req, ctx, err := sender.ExtractHighestVersion(relay, plainSealer{})
		require.NoError(t, err)
		assert.Equal(t, payjoin.V1ContentType, req.ContentType)
		assert.Nil(t, ctx.ohttp)
	})

	t.Run("seals a v2 request towards the relay", func(t *testing.T) {
		builder, err := NewSenderBuilder(
			signedOriginal(t, standardOutputs(t)),
			testUri(t, 0, keys),
			&chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)
		sender, err := builder.BuildNonIncentivizing(1)
		require.NoError(t, err)

		req, ctx, err := sender.ExtractHighestVersion(relay, plainSealer{})
		require.NoError(t, err)
		require.NotNil(t, ctx.ohttp)
		assert.Equal(t, relay, req.URL)
		assert.Equal(t, payjoin.OhttpReqContentType, req.ContentType)

		verb, resource, body, err := ohttp.DecodeRequest(req.Body)
		require.NoError(t, err)
		assert.Equal(t, "POST", verb)
		assert.Equal(t, "/abc", resource)

		idx := bytes.IndexByte(body, '\n')
		require.Positive(t, idx)
		_, err = payjoin.ParsePsbt(string(body[:idx]))
		require.NoError(t, err)
		query, err := url.ParseQuery(string(body[idx+1:]))
		require.NoError(t, err)
		assert.Equal(t, "2", query.Get("v"))
	})

	t.Run("requires a relay for v2", func(t *testing.T) {
		builder, err := NewSenderBuilder(
			signedOriginal(t, standardOutputs(t)),
			testUri(t, 0, keys),
			&chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)
		sender, err := builder.BuildNonIncentivizing(1)
		require.NoError(t, err)

		_, _, err = sender.ExtractHighestVersion(nil, plainSealer{})
		require.Error(t, err)
	})

	t.Run("extraction is repeatable for polling", func(t *testing.T) {
		builder, err := NewSenderBuilder(
			signedOriginal(t, standardOutputs(t)),
			testUri(t, 0, keys),
			&chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)
		sender, err := builder.BuildNonIncentivizing(1)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, ctx, err := sender.ExtractHighestVersion(relay, plainSealer{})
			require.NoError(t, err)
			require.NotNil(t, ctx)
		}
	})
}
