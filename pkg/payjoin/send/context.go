package send

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

// V1Context validates the receiver's synchronous proposal against the
// parameters the sender committed to. A context checks exactly one
// response.
type V1Context struct {
	stage

	original   *psbt.Packet
	originalTx *wire.MsgTx

	payeeScript []byte
	payeeIndex  int

	contribution     *feeContribution
	minFeeRate       chainfee.SatPerKWeight
	disableOutputSub bool
}

// ProcessResponse checks the receiver's proposal and returns it as a
// base64 PSBT ready for the wallet to re-sign. A ValidationError means
// the proposal must be discarded and the original transaction
// broadcast instead; a ResponseError carries the receiver's rejection.
func (c *V1Context) ProcessResponse(body []byte) (string, error) {
	if err := c.consume(); err != nil {
		return "", err
	}

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return "", parseResponseError(trimmed)
	}

	proposal, err := payjoin.ParsePsbt(string(trimmed))
	if err != nil {
		return "", invalidProposal("%v", err)
	}
	if err := c.checkProposal(proposal); err != nil {
		return "", err
	}
	b64, err := proposal.B64Encode()
	if err != nil {
		return "", fmt.Errorf("failed to re-encode proposal: %w", err)
	}
	return b64, nil
}

func (c *V1Context) checkProposal(proposal *psbt.Packet) error {
	if proposal.UnsignedTx.Version != c.originalTx.Version {
		return invalidProposal("transaction version changed")
	}
	if proposal.UnsignedTx.LockTime != c.originalTx.LockTime {
		return invalidProposal("transaction locktime changed")
	}
	if err := c.checkInputs(proposal); err != nil {
		return err
	}
	contributed, err := c.checkOutputs(proposal)
	if err != nil {
		return err
	}
	return c.checkFees(proposal, contributed)
}

// checkInputs verifies that every original input survived untouched
// apart from having the sender's signatures cleared, and that every
// receiver-added input arrives finalized with the sender's own script
// type and sequence.
func (c *V1Context) checkInputs(proposal *psbt.Packet) error {
	originalIndex := make(map[wire.OutPoint]int, len(c.originalTx.TxIn))
	for i, in := range c.originalTx.TxIn {
		originalIndex[in.PreviousOutPoint] = i
	}
	senderClass, err := payjoin.InputScriptClass(c.original, 0)
	if err != nil {
		return invalidProposal("%v", err)
	}
	sequence := c.originalTx.TxIn[0].Sequence

	seen := make(map[wire.OutPoint]bool, len(proposal.UnsignedTx.TxIn))
	matched := 0
	lastOriginal := -1
	for i, in := range proposal.UnsignedTx.TxIn {
		if seen[in.PreviousOutPoint] {
			return invalidProposal("input %s appears twice", in.PreviousOutPoint)
		}
		seen[in.PreviousOutPoint] = true

		if origIdx, ok := originalIndex[in.PreviousOutPoint]; ok {
			if origIdx < lastOriginal {
				return invalidProposal("original inputs reordered")
			}
			lastOriginal = origIdx
			matched++

			pin := &proposal.Inputs[i]
			if pin.FinalScriptSig != nil || pin.FinalScriptWitness != nil ||
				len(pin.PartialSigs) > 0 {
				return invalidProposal(
					"signatures on input %s were not cleared", in.PreviousOutPoint,
				)
			}
			if in.Sequence != c.originalTx.TxIn[origIdx].Sequence {
				return invalidProposal("sequence of input %s changed", in.PreviousOutPoint)
			}
			// Restore the utxo data the wallet needs to re-sign.
			proposal.Inputs[i].WitnessUtxo = c.original.Inputs[origIdx].WitnessUtxo
			proposal.Inputs[i].NonWitnessUtxo = c.original.Inputs[origIdx].NonWitnessUtxo
			continue
		}

		if !payjoin.InputFinalized(proposal, i) {
			return invalidProposal(
				"contributed input %s is not finalized", in.PreviousOutPoint,
			)
		}
		class, err := payjoin.InputScriptClass(proposal, i)
		if err != nil {
			return invalidProposal("%v", err)
		}
		if class != senderClass {
			return invalidProposal(
				"contributed input %s has script type %v, expected %v",
				in.PreviousOutPoint, class, senderClass,
			)
		}
		if in.Sequence != sequence {
			return invalidProposal(
				"contributed input %s does not match the original sequence",
				in.PreviousOutPoint,
			)
		}
	}
	if matched != len(c.originalTx.TxIn) {
		return invalidProposal("original inputs missing from the proposal")
	}
	return nil
}

// checkOutputs verifies the sender's outputs and returns how many sats
// the receiver deducted from the designated fee output.
func (c *V1Context) checkOutputs(proposal *psbt.Packet) (btcutil.Amount, error) {
	findByScript := func(script []byte) *wire.TxOut {
		for _, out := range proposal.UnsignedTx.TxOut {
			if bytes.Equal(out.PkScript, script) {
				return out
			}
		}
		return nil
	}

	var contributed btcutil.Amount
	for i, orig := range c.originalTx.TxOut {
		switch {
		case i == c.payeeIndex:
			if !c.disableOutputSub {
				// The receiver may substitute the payment output freely.
				continue
			}
			out := findByScript(c.payeeScript)
			if out == nil {
				return 0, invalidProposal("payment output was substituted")
			}
			if out.Value < orig.Value {
				return 0, invalidProposal("payment output value decreased")
			}

		case c.contribution != nil && i == c.contribution.index:
			out := findByScript(orig.PkScript)
			if out == nil {
				return 0, invalidProposal("fee output disappeared")
			}
			if out.Value > orig.Value {
				return 0, invalidProposal("fee output value increased")
			}
			contributed = btcutil.Amount(orig.Value - out.Value)
			if contributed > c.contribution.amount {
				return 0, invalidProposal(
					"receiver took %d sats, contribution capped at %d",
					contributed, c.contribution.amount,
				)
			}

		default:
			out := findByScript(orig.PkScript)
			if out == nil || out.Value != orig.Value {
				return 0, invalidProposal("output %d was modified", i)
			}
		}
	}
	return contributed, nil
}

func (c *V1Context) checkFees(proposal *psbt.Packet, contributed btcutil.Amount) error {
	originalFee, err := payjoin.PacketFee(c.original)
	if err != nil {
		return invalidProposal("%v", err)
	}
	proposalFee, err := payjoin.PacketFee(proposal)
	if err != nil {
		return invalidProposal("%v", err)
	}
	if proposalFee < originalFee {
		return invalidProposal(
			"proposal pays %d sats in fees, original paid %d", proposalFee, originalFee,
		)
	}
	if additional := proposalFee - originalFee; contributed > additional {
		return invalidProposal(
			"receiver took %d sats for %d sats of additional fees",
			contributed, additional,
		)
	}
	if c.minFeeRate > 0 {
		weight, err := payjoin.EstimatePacketWeight(proposal)
		if err != nil {
			return invalidProposal("%v", err)
		}
		if int64(proposalFee)*1000 < int64(c.minFeeRate)*int64(weight) {
			return invalidProposal(
				"proposal fee rate below the required minimum",
			)
		}
	}
	return nil
}

// Context validates a response on whichever path ExtractHighestVersion
// chose. On the v2 path an empty result with a nil error means the
// directory has no proposal yet and the sender should extract a fresh
// request and poll again.
type Context struct {
	v1    *V1Context
	ohttp *ohttp.ClientResponse
}

// ProcessResponse decodes and checks one response. The returned string
// is the validated proposal as base64 PSBT, or empty while a v2
// session is still pending.
func (c *Context) ProcessResponse(body []byte) (string, error) {
	if c.ohttp == nil {
		return c.v1.ProcessResponse(body)
	}

	plain, err := c.ohttp.Open(body)
	if err != nil {
		return "", fmt.Errorf("failed to open payjoin response: %w", err)
	}
	status, payload, err := ohttp.DecodeResponse(plain)
	if err != nil {
		return "", err
	}
	switch status {
	case ohttp.StatusAccepted:
		return "", nil
	case ohttp.StatusOK:
		if len(payload) == 0 {
			return "", nil
		}
		return c.v1.ProcessResponse(payload)
	default:
		return "", &payjoin.TransportError{Status: int(status), Body: string(payload)}
	}
}
