package receive

import (
	"bytes"
	"net/url"
	"sort"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
)

// proposal is the accumulating value threaded through the pipeline.
// Stages hand it over by consuming their predecessor; it is never
// shared between two live stages.
type proposal struct {
	original *psbt.Packet
	tx       *wire.MsgTx // extracted original transaction, witnesses included
	params   Params

	// working state, populated from IdentifyReceiverOutputs on
	payjoin     *psbt.Packet
	ownedVouts  []int
	contributed []InputPair

	// v2 session the proposal arrived on, nil for bare v1
	sess *Receiver
}

// InputPair is one receiver-controlled input: the outpoint to spend
// and the output it funds.
type InputPair struct {
	OutPoint wire.OutPoint
	TxOut    *wire.TxOut
}

// stage gives every pipeline type its consume-once transition guard.
type stage struct {
	consumed bool
}

func (s *stage) consume() error {
	if s.consumed {
		return ErrStageConsumed
	}
	s.consumed = true
	return nil
}

// UncheckedProposal is the entry of the verification pipeline: the
// sender's original PSBT, parsed but not yet trusted in any way.
type UncheckedProposal struct {
	stage
	inner *proposal
}

// NewUncheckedProposal parses a v1 request: the base64 original PSBT
// as body and the BIP 78 negotiation parameters as query.
func NewUncheckedProposal(body []byte, query url.Values) (*UncheckedProposal, error) {
	params, err := ParseParams(query)
	if err != nil {
		return nil, err
	}
	return newUncheckedProposal(body, params, nil)
}

// newUncheckedProposalFromPayload parses a v2 store-and-forward
// payload: the base64 PSBT on the first line, the query on the second.
func newUncheckedProposalFromPayload(payload []byte, sess *Receiver) (*UncheckedProposal, error) {
	body := payload
	var query url.Values
	if idx := bytes.IndexByte(payload, '\n'); idx >= 0 {
		body = payload[:idx]
		parsed, err := url.ParseQuery(string(payload[idx+1:]))
		if err != nil {
			return nil, rejectOriginal("invalid parameters: %v", err)
		}
		query = parsed
	}
	params, err := ParseParams(query)
	if err != nil {
		return nil, err
	}
	return newUncheckedProposal(body, params, sess)
}

func newUncheckedProposal(body []byte, params Params, sess *Receiver) (*UncheckedProposal, error) {
	packet, err := payjoin.ParsePsbt(string(body))
	if err != nil {
		return nil, rejectOriginal("%v", err)
	}
	if len(packet.UnsignedTx.TxIn) == 0 {
		return nil, rejectOriginal("original transaction has no inputs")
	}
	for i := range packet.Inputs {
		if _, err := payjoin.InputUtxo(packet, i); err != nil {
			return nil, rejectOriginal("%v", err)
		}
		if !payjoin.InputFinalized(packet, i) {
			return nil, rejectOriginal("input %d of the original psbt is not finalized", i)
		}
	}

	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, rejectOriginal("failed to extract original transaction: %v", err)
	}

	return &UncheckedProposal{inner: &proposal{
		original: packet,
		tx:       tx,
		params:   params,
		sess:     sess,
	}}, nil
}

// ExtractTxToScheduleBroadcast returns the serialized original
// transaction. A non-interactive receiver schedules it for broadcast
// so that a failed payjoin still costs the sender a fee.
func (p *UncheckedProposal) ExtractTxToScheduleBroadcast() []byte {
	var buf bytes.Buffer
	// serialization of a sane transaction cannot fail
	_ = p.inner.tx.Serialize(&buf)
	return buf.Bytes()
}

// CheckBroadcastSuitability verifies the original transaction pays at
// least minFeeRate and passes the host's mempool-acceptance oracle.
// Non-interactive receivers MUST run this before any further
// engagement to stay resistant to probing.
func (p *UncheckedProposal) CheckBroadcastSuitability(
	minFeeRate chainfee.SatPerKWeight, canBroadcast func(tx []byte) (bool, error),
) (*MaybeInputsOwned, error) {
	if err := p.consume(); err != nil {
		return nil, err
	}

	fee, err := payjoin.PacketFee(p.inner.original)
	if err != nil {
		return nil, rejectOriginal("%v", err)
	}
	rate := payjoin.FeeRateForTx(fee, p.inner.tx)
	if rate < minFeeRate {
		return nil, rejectOriginal(
			"original psbt pays %d sat/kwu, below the receiver minimum of %d sat/kwu",
			rate, minFeeRate,
		)
	}

	ok, err := canBroadcast(p.ExtractTxToScheduleBroadcast())
	if err != nil {
		return nil, &ServerError{Err: err}
	}
	if !ok {
		return nil, rejectOriginal("original transaction is not broadcastable")
	}

	return &MaybeInputsOwned{inner: p.inner}, nil
}

// AssumeInteractiveReceiver skips the broadcast check. Only valid when
// a human approves each payjoin, since interactive receivers are not
// exposed to automated probing.
func (p *UncheckedProposal) AssumeInteractiveReceiver() (*MaybeInputsOwned, error) {
	if err := p.consume(); err != nil {
		return nil, err
	}
	return &MaybeInputsOwned{inner: p.inner}, nil
}

// MaybeInputsOwned is an original transaction that is broadcastable
// but whose inputs may still belong to the receiver.
type MaybeInputsOwned struct {
	stage
	inner *proposal
}

// CheckInputsNotOwned rejects any original input whose previous output
// script the receiver's wallet owns. An attacker must not be able to
// make the receiver sign away its own coins.
func (m *MaybeInputsOwned) CheckInputsNotOwned(
	isOwned func(script []byte) (bool, error),
) (*MaybeMixedInputScripts, error) {
	if err := m.consume(); err != nil {
		return nil, err
	}

	for i := range m.inner.original.Inputs {
		utxo, err := payjoin.InputUtxo(m.inner.original, i)
		if err != nil {
			return nil, rejectOriginal("%v", err)
		}
		owned, err := isOwned(utxo.PkScript)
		if err != nil {
			return nil, &ServerError{Err: err}
		}
		if owned {
			return nil, rejectOriginal("input %d is owned by the receiver", i)
		}
	}

	return &MaybeMixedInputScripts{inner: m.inner}, nil
}

// MaybeMixedInputScripts is an original transaction free of
// receiver-owned inputs but not yet checked for script uniformity.
type MaybeMixedInputScripts struct {
	stage
	inner *proposal
}

// CheckNoMixedInputScripts rejects originals mixing input script
// types. Mixed spends would fingerprint the payjoin to chain analysts.
func (m *MaybeMixedInputScripts) CheckNoMixedInputScripts() (*MaybeInputsSeen, error) {
	if err := m.consume(); err != nil {
		return nil, err
	}

	var inputType txscript.ScriptClass
	for i := range m.inner.original.Inputs {
		class, err := payjoin.InputScriptClass(m.inner.original, i)
		if err != nil {
			return nil, rejectOriginal("%v", err)
		}
		if class == txscript.NonStandardTy {
			return nil, rejectOriginal("input %d spends a non-standard script", i)
		}
		if i == 0 {
			inputType = class
			continue
		}
		if class != inputType {
			return nil, rejectOriginal(
				"original transaction mixes input script types %v and %v", inputType, class,
			)
		}
	}

	return &MaybeInputsSeen{inner: m.inner}, nil
}

// MaybeInputsSeen is an original transaction with uniform input
// scripts that may still replay inputs from an earlier payjoin.
type MaybeInputsSeen struct {
	stage
	inner *proposal
}

// CheckNoInputsSeenBefore rejects inputs the receiver has observed in
// a previous proposal, defeating reentrant and probing payjoins.
func (m *MaybeInputsSeen) CheckNoInputsSeenBefore(
	isKnown func(outpoint wire.OutPoint) (bool, error),
) (*OutputsUnknown, error) {
	if err := m.consume(); err != nil {
		return nil, err
	}

	seen := make(map[wire.OutPoint]struct{}, len(m.inner.tx.TxIn))
	for i, in := range m.inner.tx.TxIn {
		op := in.PreviousOutPoint
		if _, ok := seen[op]; ok {
			return nil, rejectOriginal("input %d repeats outpoint %s", i, op)
		}
		seen[op] = struct{}{}

		known, err := isKnown(op)
		if err != nil {
			return nil, &ServerError{Err: err}
		}
		if known {
			return nil, rejectOriginal("input %s was seen in a previous proposal", op)
		}
	}

	return &OutputsUnknown{inner: m.inner}, nil
}

// OutputsUnknown is a fully screened original whose outputs have not
// yet been attributed. Only proposals that actually pay the receiver
// may proceed.
type OutputsUnknown struct {
	stage
	inner *proposal
}

// IdentifyReceiverOutputs partitions the outputs into receiver-owned
// and sender-owned. At least one output must pay the receiver.
func (o *OutputsUnknown) IdentifyReceiverOutputs(
	isReceiverOutput func(script []byte) (bool, error),
) (*WantsOutputs, error) {
	if err := o.consume(); err != nil {
		return nil, err
	}

	var owned []int
	for vout, txOut := range o.inner.original.UnsignedTx.TxOut {
		ours, err := isReceiverOutput(txOut.PkScript)
		if err != nil {
			return nil, &ServerError{Err: err}
		}
		if ours {
			owned = append(owned, vout)
		}
	}
	if len(owned) == 0 {
		return nil, rejectOriginal("no output pays the receiver")
	}

	working, err := payjoin.ClonePacket(o.inner.original)
	if err != nil {
		return nil, rejectOriginal("%v", err)
	}
	// The payjoin proposal must not leak the sender's signatures over
	// the original transaction.
	for i := range working.Inputs {
		payjoin.ClearInputSigFields(&working.Inputs[i])
	}
	o.inner.payjoin = working
	o.inner.ownedVouts = owned

	return &WantsOutputs{inner: o.inner}, nil
}

// WantsOutputs lets the receiver substitute its own outputs before
// committing to the output set.
type WantsOutputs struct {
	stage
	inner *proposal
}

// IsOutputSubstitutionDisabled reflects the sender's declared policy.
func (w *WantsOutputs) IsOutputSubstitutionDisabled() bool {
	return w.inner.params.DisableOutputSubstitution
}

// ReplaceReceiverOutputs swaps the receiver-owned outputs for the
// given replacements, routing any value shortfall to drainScript. It
// fails when the sender disabled output substitution.
func (w *WantsOutputs) ReplaceReceiverOutputs(
	replacements []*wire.TxOut, drainScript []byte,
) (*WantsOutputs, error) {
	if err := w.consume(); err != nil {
		return nil, err
	}
	if w.inner.params.DisableOutputSubstitution {
		return nil, ErrOutputSubstitutionDisabled
	}
	if len(replacements) == 0 && len(drainScript) == 0 {
		return nil, rejectOriginal("no replacement outputs and no drain script")
	}

	tx := w.inner.payjoin.UnsignedTx
	ownedSet := make(map[int]struct{}, len(w.inner.ownedVouts))
	var originalValue int64
	for _, vout := range w.inner.ownedVouts {
		ownedSet[vout] = struct{}{}
		originalValue += tx.TxOut[vout].Value
	}
	var replacementValue int64
	for _, out := range replacements {
		replacementValue += out.Value
	}

	var outputs []*wire.TxOut
	var ownedVouts []int
	inserted := false
	for vout, out := range tx.TxOut {
		if _, owned := ownedSet[vout]; !owned {
			outputs = append(outputs, out)
			continue
		}
		if inserted {
			continue
		}
		inserted = true
		for _, replacement := range replacements {
			ownedVouts = append(ownedVouts, len(outputs))
			outputs = append(outputs, &wire.TxOut{
				Value:    replacement.Value,
				PkScript: replacement.PkScript,
			})
		}
		if shortfall := originalValue - replacementValue; shortfall > 0 {
			if len(drainScript) == 0 {
				return nil, rejectOriginal(
					"replacement outputs drop %d sat with no drain script", shortfall,
				)
			}
			drained := false
			for _, out := range outputs {
				if bytes.Equal(out.PkScript, drainScript) {
					out.Value += shortfall
					drained = true
					break
				}
			}
			if !drained {
				ownedVouts = append(ownedVouts, len(outputs))
				outputs = append(outputs, &wire.TxOut{
					Value:    shortfall,
					PkScript: drainScript,
				})
			}
		}
	}

	tx.TxOut = outputs
	w.inner.payjoin.Outputs = make([]psbt.POutput, len(outputs))
	w.inner.ownedVouts = ownedVouts

	return &WantsOutputs{inner: w.inner}, nil
}

// CommitOutputs locks in the output set.
func (w *WantsOutputs) CommitOutputs() (*WantsInputs, error) {
	if err := w.consume(); err != nil {
		return nil, err
	}
	return &WantsInputs{inner: w.inner}, nil
}

// WantsInputs lets the receiver contribute inputs before the proposal
// becomes provisional.
type WantsInputs struct {
	stage
	inner *proposal
}

// TryPreservingPrivacy selects, among the candidate inputs keyed by
// value, one whose contribution avoids the unnecessary input
// heuristic. See selectPrivacyPreserving for the policy.
func (w *WantsInputs) TryPreservingPrivacy(
	candidates map[btcutil.Amount]wire.OutPoint,
) (wire.OutPoint, error) {
	return selectPrivacyPreserving(candidates, w.inner)
}

// ContributeWitnessInputs adds receiver-controlled witness inputs to
// the proposal.
func (w *WantsInputs) ContributeWitnessInputs(inputs []InputPair) (*WantsInputs, error) {
	if err := w.consume(); err != nil {
		return nil, err
	}
	for _, pair := range inputs {
		if err := contributeInput(w.inner, pair); err != nil {
			return nil, err
		}
	}
	return &WantsInputs{inner: w.inner}, nil
}

// CommitInputs locks in the input set and yields the provisional
// proposal for final negotiation.
func (w *WantsInputs) CommitInputs() (*ProvisionalProposal, error) {
	if err := w.consume(); err != nil {
		return nil, err
	}
	return &ProvisionalProposal{inner: w.inner}, nil
}

func contributeInput(p *proposal, pair InputPair) error {
	if pair.TxOut == nil {
		return rejectOriginal("contributed input %s misses its output", pair.OutPoint)
	}
	for _, in := range p.payjoin.UnsignedTx.TxIn {
		if in.PreviousOutPoint == pair.OutPoint {
			return rejectOriginal("contributed input %s already spent by the proposal", pair.OutPoint)
		}
	}

	// Match the original inputs' sequence so the contribution does not
	// fingerprint the receiver.
	sequence := p.payjoin.UnsignedTx.TxIn[0].Sequence
	p.payjoin.UnsignedTx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: pair.OutPoint,
		Sequence:         sequence,
	})
	p.payjoin.Inputs = append(p.payjoin.Inputs, psbt.PInput{
		WitnessUtxo: pair.TxOut,
	})
	p.contributed = append(p.contributed, pair)

	// Credit the contributed value to a receiver-owned output so the
	// contribution does not drain into fees.
	if len(p.ownedVouts) == 0 {
		return rejectOriginal("no receiver output to credit the contributed input to")
	}
	p.payjoin.UnsignedTx.TxOut[p.ownedVouts[0]].Value += pair.TxOut.Value
	return nil
}

/// selectPrivacyPreserving implements the BlockSci avoidance rule:
// with min(out) < min(in) flagging UIH1, prefer a candidate keeping
// min(output amounts) >= min(input amounts). No fallback exists: when
// every candidate degrades to UIH1 the selection fails outright.
func selectPrivacyPreserving(
	candidates map[btcutil.Amount]wire.OutPoint, p *proposal,
) (wire.OutPoint, error) {
	if len(candidates) == 0 {
		return wire.OutPoint{}, ErrEmptyCandidates
	}

	minIn := btcutil.Amount(0)
	for i := range p.payjoin.Inputs {
		utxo, err := payjoin.InputUtxo(p.payjoin, i)
		if err != nil {
			return wire.OutPoint{}, rejectOriginal("%v", err)
		}
		if minIn == 0 || btcutil.Amount(utxo.Value) < minIn {
			minIn = btcutil.Amount(utxo.Value)
		}
	}
	minOut := btcutil.Amount(0)
	for _, out := range p.payjoin.UnsignedTx.TxOut {
		if minOut == 0 || btcutil.Amount(out.Value) < minOut {
			minOut = btcutil.Amount(out.Value)
		}
	}

	amounts := make([]btcutil.Amount, 0, len(candidates))
	for amount := range candidates {
		amounts = append(amounts, amount)
	}
	sort.Slice(amounts, func(i, j int) bool { return amounts[i] < amounts[j] })

	for _, amount := range amounts {
		candidateMinIn := minIn
		if amount < candidateMinIn {
			candidateMinIn = amount
		}
		if minOut >= candidateMinIn {
			return candidates[amount], nil
		}
	}

	return wire.OutPoint{}, ErrNoPrivacyPreservingCandidate
}
