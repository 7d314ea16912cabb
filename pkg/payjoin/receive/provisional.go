package receive

import (
	"fmt"
	"sync"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
)

// ProvisionalProposal is the one mutable negotiation object: the
// receiver accumulates contributed inputs and output substitutions
// here before the single finalize commit point. Calls may arrive from
// different call sites across a callback boundary, so every method
// serializes on the proposal lock. Independent negotiations hold
// independent locks.
type ProvisionalProposal struct {
	mu    sync.Mutex
	inner *proposal
}

// ContributeWitnessInput adds one receiver-controlled input to the
// proposal.
func (p *ProvisionalProposal) ContributeWitnessInput(txOut *wire.TxOut, outpoint wire.OutPoint) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return contributeInput(p.inner, InputPair{OutPoint: outpoint, TxOut: txOut})
}

// TryPreservingPrivacy selects a receiver input whose contribution
// keeps the payjoin free of the unnecessary input heuristic.
func (p *ProvisionalProposal) TryPreservingPrivacy(
	candidates map[btcutil.Amount]wire.OutPoint,
) (wire.OutPoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return selectPrivacyPreserving(candidates, p.inner)
}

// IsOutputSubstitutionDisabled reflects the sender's declared policy.
func (p *ProvisionalProposal) IsOutputSubstitutionDisabled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inner.params.DisableOutputSubstitution
}

// TrySubstituteReceiverOutput swaps the receiver's output script for a
// freshly generated one, decorrelating the payjoin from any address
// shared out of band. A no-op when the sender disabled substitution.
func (p *ProvisionalProposal) TrySubstituteReceiverOutput(
	generateScript func() ([]byte, error),
) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inner.params.DisableOutputSubstitution {
		return nil
	}

	script, err := generateScript()
	if err != nil {
		return &ServerError{Err: err}
	}
	if len(script) == 0 {
		return &ServerError{Err: fmt.Errorf("generated script is empty")}
	}

	vout := p.inner.ownedVouts[0]
	p.inner.payjoin.UnsignedTx.TxOut[vout].PkScript = script
	return nil
}

// FinalizeProposal is the single commit point of the negotiation: it
// applies the sender's additional-fee contribution, hands the PSBT to
// the host signer and verifies the resulting fee rate lies within
// [minFeeRate, maxFeeRate] before producing the immutable proposal.
// Fee rates are expressed in sat/vB. A zero minFeeRate means
// unconstrained below; maxFeeRate is mandatory to bound griefing.
func (p *ProvisionalProposal) FinalizeProposal(
	processPsbt func(psbt string) (string, error),
	minFeeRate, maxFeeRate chainfee.SatPerVByte,
) (*PayjoinProposal, error) {
	if maxFeeRate <= 0 {
		return nil, fmt.Errorf("max fee rate is required")
	}

	// Finalization works on a clone so the lock is only held for the
	// snapshot, not across the host signing call.
	p.mu.Lock()
	snapshot, err := payjoin.ClonePacket(p.inner.payjoin)
	if err != nil {
		p.mu.Unlock()
		return nil, fmt.Errorf("failed to snapshot proposal: %w", err)
	}
	contributed := append([]InputPair(nil), p.inner.contributed...)
	ownedVouts := append([]int(nil), p.inner.ownedVouts...)
	params := p.inner.params
	original := p.inner.original
	originalTx := p.inner.tx
	sess := p.inner.sess
	p.mu.Unlock()

	if err := applyAdditionalFee(snapshot, contributed, ownedVouts, params, original, originalTx); err != nil {
		return nil, err
	}

	b64, err := snapshot.B64Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode proposal psbt: %w", err)
	}
	processedStr, err := processPsbt(b64)
	if err != nil {
		return nil, &ServerError{Err: err}
	}
	processed, err := payjoin.ParsePsbt(processedStr)
	if err != nil {
		return nil, &ServerError{Err: fmt.Errorf("signer returned an unparsable psbt: %w", err)}
	}

	if len(processed.UnsignedTx.TxIn) != len(snapshot.UnsignedTx.TxIn) ||
		len(processed.UnsignedTx.TxOut) != len(snapshot.UnsignedTx.TxOut) {
		return nil, &ServerError{Err: fmt.Errorf("signer altered the negotiated transaction")}
	}
	senderInputs := len(snapshot.UnsignedTx.TxIn) - len(contributed)
	for i := senderInputs; i < len(processed.Inputs); i++ {
		if !payjoin.InputFinalized(processed, i) && len(processed.Inputs[i].PartialSigs) == 0 {
			return nil, &ServerError{Err: fmt.Errorf("signer left contributed input %d unsigned", i)}
		}
	}

	fee, err := payjoin.PacketFee(processed)
	if err != nil {
		return nil, rejectOriginal("%v", err)
	}
	weight, err := payjoin.EstimatePacketWeight(processed)
	if err != nil {
		return nil, rejectOriginal("%v", err)
	}
	vsize := int64(weight.ToVB())
	if minFeeRate > 0 && int64(fee) < int64(minFeeRate)*vsize {
		return nil, rejectOriginal(
			"payjoin fee %d sat is below the minimum fee rate of %d sat/vB", fee, minFeeRate,
		)
	}
	if int64(fee) > int64(maxFeeRate)*vsize {
		return nil, rejectOriginal(
			"payjoin fee %d sat exceeds the maximum fee rate of %d sat/vB", fee, maxFeeRate,
		)
	}
	if params.MinFeeRate > 0 && int64(fee)*1000 < int64(params.MinFeeRate)*int64(weight) {
		return nil, rejectOriginal(
			"payjoin fee rate is below the sender minimum of %d sat/kwu", params.MinFeeRate,
		)
	}

	utxos := make([]wire.OutPoint, 0, len(contributed))
	for _, pair := range contributed {
		utxos = append(utxos, pair.OutPoint)
	}

	return &PayjoinProposal{
		psbt:                 processed,
		ownedVouts:           ownedVouts,
		utxos:                utxos,
		substitutionDisabled: params.DisableOutputSubstitution,
		sess:                 sess,
	}, nil
}

// applyAdditionalFee deducts the receiver's deserved fee contribution
// from the sender output designated for it: the added input weight at
// the original's fee rate, clamped to the sender's declared maximum.
func applyAdditionalFee(
	working *psbt.Packet, contributed []InputPair, ownedVouts []int,
	params Params, original *psbt.Packet, originalTx *wire.MsgTx,
) error {
	if params.AdditionalFeeOutputIndex < 0 ||
		params.MaxAdditionalFeeContribution == 0 || len(contributed) == 0 {
		return nil
	}

	idx := params.AdditionalFeeOutputIndex
	if idx >= len(working.UnsignedTx.TxOut) {
		return rejectOriginal("additional fee output index %d out of range", idx)
	}
	for _, vout := range ownedVouts {
		if vout == idx {
			return rejectOriginal("additional fee output index %d pays the receiver", idx)
		}
	}

	originalFee, err := payjoin.PacketFee(original)
	if err != nil {
		return rejectOriginal("%v", err)
	}
	originalRate := payjoin.FeeRateForTx(originalFee, originalTx)
	addedWeight, err := contributedWeight(contributed)
	if err != nil {
		return rejectOriginal("%v", err)
	}
	deserved := btcutil.Amount(int64(originalRate) * int64(addedWeight) / 1000)

	contribution := deserved
	if contribution > params.MaxAdditionalFeeContribution {
		contribution = params.MaxAdditionalFeeContribution
	}
	out := working.UnsignedTx.TxOut[idx]
	if int64(contribution) > out.Value {
		return &ProtocolError{
			Code: CodeNotEnoughMoney,
			Message: fmt.Sprintf(
				"fee output holds %d sat, cannot cover a %d sat contribution", out.Value, contribution,
			),
		}
	}
	out.Value -= int64(contribution)
	return nil
}

// contributedWeight estimates the witness-inclusive weight the
// receiver's inputs add on top of the original transaction.
func contributedWeight(pairs []InputPair) (lntypes.WeightUnit, error) {
	var est, base input.TxWeightEstimator
	for _, pair := range pairs {
		if err := payjoin.AddInputEstimate(&est, pair.TxOut.PkScript); err != nil {
			return 0, err
		}
	}
	return est.Weight() - base.Weight(), nil
}

// PayjoinProposal is the immutable, finalized payjoin: the signed
// PSBT, the outputs owned by the receiver and the UTXO set the host
// must lock before broadcasting anything built from it.
type PayjoinProposal struct {
	psbt                 *psbt.Packet
	ownedVouts           []int
	utxos                []wire.OutPoint
	substitutionDisabled bool
	sess                 *Receiver
}

// UtxosToBeLocked returns the receiver-contributed outpoints the host
// MUST lock against concurrent spends before broadcast.
func (p *PayjoinProposal) UtxosToBeLocked() []wire.OutPoint {
	return append([]wire.OutPoint(nil), p.utxos...)
}

// OwnedVouts returns the output indices owned by the receiver.
func (p *PayjoinProposal) OwnedVouts() []int {
	return append([]int(nil), p.ownedVouts...)
}

func (p *PayjoinProposal) IsOutputSubstitutionDisabled() bool {
	return p.substitutionDisabled
}

// Psbt returns the finalized proposal in base64.
func (p *PayjoinProposal) Psbt() string {
	b64, err := p.psbt.B64Encode()
	if err != nil {
		// a proposal that survived finalize always re-encodes
		panic(fmt.Sprintf("failed to encode finalized psbt: %v", err))
	}
	return b64
}

// ExtractV1Req serializes the proposal for a direct v1 response body.
func (p *PayjoinProposal) ExtractV1Req() string {
	return p.Psbt()
}

// ExtractV2Req seals the proposal for store-and-forward delivery
// through the OHTTP relay. Each call produces a fresh encapsulation.
func (p *PayjoinProposal) ExtractV2Req(sealer ohttp.Sealer) (payjoin.Request, *ohttp.ClientResponse, error) {
	if p.sess == nil {
		return payjoin.Request{}, nil, fmt.Errorf("proposal is not bound to a v2 session")
	}
	payload := ohttp.EncodeRequest("POST", p.sess.proposalPath(), []byte(p.Psbt()))
	sealed, ctx, err := sealer.Seal(p.sess.opts.OhttpKeys, payload)
	if err != nil {
		return payjoin.Request{}, nil, fmt.Errorf("failed to seal proposal: %w", err)
	}
	return payjoin.Request{
		URL:         p.sess.opts.OhttpRelay,
		ContentType: payjoin.OhttpReqContentType,
		Body:        sealed,
	}, ctx, nil
}

// ProcessRes validates the relay's acknowledgement of a v2 proposal
// delivery. Success means the directory stored the proposal for the
// sender to fetch.
func (p *PayjoinProposal) ProcessRes(body []byte, ctx *ohttp.ClientResponse) error {
	plain, err := ctx.Open(body)
	if err != nil {
		return fmt.Errorf("failed to open relay response: %w", err)
	}
	status, respBody, err := ohttp.DecodeResponse(plain)
	if err != nil {
		return err
	}
	if status != ohttp.StatusOK && status != ohttp.StatusAccepted {
		return &payjoin.TransportError{Status: int(status), Body: string(respBody)}
	}
	return nil
}
