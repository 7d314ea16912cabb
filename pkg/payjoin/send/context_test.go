package send

import (
	"net/url"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

const contributedValue = 40_000

func p2pkhScript(t *testing.T, seed byte) []byte {
	t.Helper()
	hash := btcutil.Hash160(testKey(t, seed).PubKey().SerializeCompressed())
	script, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_DUP).AddOp(txscript.OP_HASH160).AddData(hash).
		AddOp(txscript.OP_EQUALVERIFY).AddOp(txscript.OP_CHECKSIG).Script()
	require.NoError(t, err)
	return script
}

type proposalMod func(t *testing.T, packet *psbt.Packet)

// receiverProposal plays a well-behaved receiver: it clears the
// sender's signatures, contributes one finalized 40k sat input of the
// sender's script type, routes the contributed value into the payment
// output and takes `took` sats from the change output while raising the
// absolute fee by `additionalFee`.
func receiverProposal(
	t *testing.T, originalB64 string, took, additionalFee int64, mods ...proposalMod,
) []byte {
	t.Helper()

	packet, err := payjoin.ParsePsbt(originalB64)
	require.NoError(t, err)
	for i := range packet.Inputs {
		packet.Inputs[i].FinalScriptSig = nil
		packet.Inputs[i].FinalScriptWitness = nil
		packet.Inputs[i].PartialSigs = nil
	}

	sequence := packet.UnsignedTx.TxIn[0].Sequence
	packet.UnsignedTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: testOutPoint(t, 0x22, 1),
		Sequence:         sequence,
	})
	packet.Inputs = append(packet.Inputs, psbt.PInput{
		WitnessUtxo: &wire.TxOut{
			Value:    contributedValue,
			PkScript: p2wkhScript(t, 0x07),
		},
		FinalScriptWitness: dummySigWitness(t),
	})

	packet.UnsignedTx.TxOut[0].Value += contributedValue + took - additionalFee
	packet.UnsignedTx.TxOut[1].Value -= took

	for _, mod := range mods {
		mod(t, packet)
	}

	b64, err := packet.B64Encode()
	require.NoError(t, err)
	return []byte(b64)
}

// v1Fixture returns the sender context of a 1000 sat fee-contribution
// offer along with the original it was built from.
func v1Fixture(t *testing.T) (*V1Context, string) {
	t.Helper()
	originalB64 := signedOriginal(t, standardOutputs(t))
	builder, err := NewSenderBuilder(
		originalB64, testUri(t, 0, nil), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	sender, err := builder.BuildWithAdditionalFee(1_000, nil, 1, true)
	require.NoError(t, err)
	_, ctx, err := sender.ExtractV1()
	require.NoError(t, err)
	return ctx, originalB64
}

func TestProcessResponse(t *testing.T) {
	t.Run("accepts a conforming proposal", func(t *testing.T) {
		ctx, originalB64 := v1Fixture(t)
		b64, err := ctx.ProcessResponse(receiverProposal(t, originalB64, 500, 500))
		require.NoError(t, err)

		proposal, err := payjoin.ParsePsbt(b64)
		require.NoError(t, err)
		require.Len(t, proposal.UnsignedTx.TxIn, 2)
		// utxo data restored so the wallet can re-sign
		require.NotNil(t, proposal.Inputs[0].WitnessUtxo)
		assert.False(t, payjoin.InputFinalized(proposal, 0))
		assert.True(t, payjoin.InputFinalized(proposal, 1))
	})

	t.Run("context checks exactly one response", func(t *testing.T) {
		ctx, originalB64 := v1Fixture(t)
		body := receiverProposal(t, originalB64, 500, 500)
		_, err := ctx.ProcessResponse(body)
		require.NoError(t, err)
		_, err = ctx.ProcessResponse(body)
		require.ErrorIs(t, err, ErrStageConsumed)
	})

	t.Run("receiver rejection with a known code", func(t *testing.T) {
		ctx, _ := v1Fixture(t)
		_, err := ctx.ProcessResponse(
			[]byte(`{"errorCode":"version-unsupported","message":"please use v1"}`),
		)
		var respErr *ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, "version-unsupported", respErr.Code)
		assert.Equal(t, "please use v1", respErr.Message)
	})

	t.Run("unknown rejection codes are not surfaced", func(t *testing.T) {
		ctx, _ := v1Fixture(t)
		_, err := ctx.ProcessResponse(
			[]byte(`{"errorCode":"catastrophe","message":"<script>"}`),
		)
		var respErr *ResponseError
		require.ErrorAs(t, err, &respErr)
		assert.Equal(t, "unrecognized-error", respErr.Code)
		assert.Empty(t, respErr.Message)
	})

	t.Run("unparsable body", func(t *testing.T) {
		ctx, _ := v1Fixture(t)
		_, err := ctx.ProcessResponse([]byte("nonsense"))
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
	})
}

func TestProcessResponseRejectsTampering(t *testing.T) {
	reject := func(t *testing.T, took, additionalFee int64, mods ...proposalMod) *ValidationError {
		t.Helper()
		ctx, originalB64 := v1Fixture(t)
		_, err := ctx.ProcessResponse(receiverProposal(t, originalB64, took, additionalFee, mods...))
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
		return valErr
	}

	t.Run("sender signatures not cleared", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.Inputs[0].FinalScriptWitness = dummySigWitness(t)
		})
	})

	t.Run("contributed input not finalized", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.Inputs[1].FinalScriptWitness = nil
		})
	})

	t.Run("contributed input of a foreign script type", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.Inputs[1].WitnessUtxo.PkScript = p2pkhScript(t, 0x07)
		})
	})

	t.Run("contributed input with a different sequence", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.UnsignedTx.TxIn[1].Sequence--
		})
	})

	t.Run("original input dropped", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.UnsignedTx.TxIn = packet.UnsignedTx.TxIn[1:]
			packet.Inputs = packet.Inputs[1:]
		})
	})

	t.Run("original input sequence changed", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.UnsignedTx.TxIn[0].Sequence--
		})
	})

	t.Run("locktime changed", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.UnsignedTx.LockTime++
		})
	})

	t.Run("version changed", func(t *testing.T) {
		reject(t, 500, 500, func(t *testing.T, packet *psbt.Packet) {
			packet.UnsignedTx.Version = 1
		})
	})

	t.Run("receiver took more than the offer", func(t *testing.T) {
		reject(t, 1_500, 1_500)
	})

	t.Run("receiver took more than the added fees", func(t *testing.T) {
		reject(t, 1_000, 500)
	})

	t.Run("fee decreased", func(t *testing.T) {
		reject(t, 0, -200)
	})
}

func TestProcessResponseOutputSubstitution(t *testing.T) {
	substitute := func(t *testing.T, packet *psbt.Packet) {
		packet.UnsignedTx.TxOut[0].PkScript = p2wkhScript(t, 0x0e)
	}

	t.Run("allowed by default", func(t *testing.T) {
		ctx, originalB64 := v1Fixture(t)
		_, err := ctx.ProcessResponse(receiverProposal(t, originalB64, 500, 500, substitute))
		require.NoError(t, err)
	})

	t.Run("rejected when the sender opted out", func(t *testing.T) {
		originalB64 := signedOriginal(t, standardOutputs(t))
		builder, err := NewSenderBuilder(
			originalB64, testUri(t, 0, nil), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)
		sender, err := builder.
			AlwaysDisableOutputSubstitution().
			BuildWithAdditionalFee(1_000, nil, 1, true)
		require.NoError(t, err)
		_, ctx, err := sender.ExtractV1()
		require.NoError(t, err)

		_, err = ctx.ProcessResponse(receiverProposal(t, originalB64, 500, 500, substitute))
		var valErr *ValidationError
		require.ErrorAs(t, err, &valErr)
	})
}

func TestContextProcessResponse(t *testing.T) {
	relay, err := url.Parse("https://pj.bobspacebkk.com")
	require.NoError(t, err)
	keys := &ohttp.Keys{KeyID: 1, PublicKey: testKey(t, 0x0b).PubKey()}

	v2Fixture := func(t *testing.T) (*Context, string) {
		t.Helper()
		originalB64 := signedOriginal(t, standardOutputs(t))
		builder, err := NewSenderBuilder(
			originalB64, testUri(t, 0, keys), &chaincfg.RegressionNetParams,
		)
		require.NoError(t, err)
		sender, err := builder.BuildWithAdditionalFee(1_000, nil, 1, true)
		require.NoError(t, err)
		_, ctx, err := sender.ExtractHighestVersion(relay, plainSealer{})
		require.NoError(t, err)
		return ctx, originalB64
	}

	t.Run("accepted means still pending", func(t *testing.T) {
		ctx, _ := v2Fixture(t)
		proposal, err := ctx.ProcessResponse(ohttp.EncodeResponse(ohttp.StatusAccepted, nil))
		require.NoError(t, err)
		assert.Empty(t, proposal)
	})

	t.Run("empty ok means still pending", func(t *testing.T) {
		ctx, _ := v2Fixture(t)
		proposal, err := ctx.ProcessResponse(ohttp.EncodeResponse(ohttp.StatusOK, nil))
		require.NoError(t, err)
		assert.Empty(t, proposal)
	})

	t.Run("delivers the validated proposal", func(t *testing.T) {
		ctx, originalB64 := v2Fixture(t)
		body := receiverProposal(t, originalB64, 500, 500)
		proposal, err := ctx.ProcessResponse(ohttp.EncodeResponse(ohttp.StatusOK, body))
		require.NoError(t, err)
		assert.NotEmpty(t, proposal)
	})

	t.Run("unexpected status is a transport error", func(t *testing.T) {
		ctx, _ := v2Fixture(t)
		_, err := ctx.ProcessResponse(ohttp.EncodeResponse(500, []byte("boom")))
		var transportErr *payjoin.TransportError
		require.ErrorAs(t, err, &transportErr)
	})
}
