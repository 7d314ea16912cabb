// Package send drives the sender half of a payjoin negotiation: it
// validates the sender's signed original PSBT against the payment URI,
// derives the fee-contribution offer, extracts the request for either
// the v1 or the v2 store-and-forward endpoint, and checks the
// receiver's proposal before the wallet re-signs it.
package send

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"

	"github.com/payjoinlabs/payjoind/pkg/payjoin"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/ohttp"
	"github.com/payjoinlabs/payjoind/pkg/payjoin/uri"
)

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

// feeContribution is the sender's offer to pay for the receiver's
// added weight: at most amount sats, deducted from the output at
// index.
type feeContribution struct {
	amount btcutil.Amount
	index  int
}

// SenderBuilder validates a signed original PSBT against a payjoin
// URI and fixes the negotiation parameters before the request is
// extracted.
type SenderBuilder struct {
	stage

	packet *psbt.Packet
	tx     *wire.MsgTx
	pjUri  *uri.PjUri

	payeeScript []byte
	payeeIndex  int

	disableOutputSub bool
}

// NewSenderBuilder checks that the original PSBT is fully signed,
// carries witness data for every input and actually pays the URI's
// address before any request leaves the wallet.
func NewSenderBuilder(
	psbtBase64 string, pjUri *uri.PjUri, net *chaincfg.Params,
) (*SenderBuilder, error) {
	if pjUri == nil || pjUri.Endpoint == nil {
		return nil, fmt.Errorf("missing payjoin endpoint")
	}
	packet, err := payjoin.ParsePsbt(psbtBase64)
	if err != nil {
		return nil, err
	}
	if len(packet.UnsignedTx.TxIn) == 0 {
		return nil, fmt.Errorf("original psbt has no inputs")
	}
	for i := range packet.Inputs {
		if _, err := payjoin.InputUtxo(packet, i); err != nil {
			return nil, err
		}
		if !payjoin.InputFinalized(packet, i) {
			return nil, fmt.Errorf("original psbt input %d is not finalized", i)
		}
	}
	tx, err := psbt.Extract(packet)
	if err != nil {
		return nil, fmt.Errorf("failed to extract original transaction: %w", err)
	}

	addr, err := btcutil.DecodeAddress(pjUri.Address, net)
	if err != nil {
		return nil, fmt.Errorf("invalid payee address: %w", err)
	}
	payeeScript, err := txscript.PayToAddrScript(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to build payee script: %w", err)
	}
	payeeIndex := -1
	for i, out := range tx.TxOut {
		if bytes.Equal(out.PkScript, payeeScript) {
			payeeIndex = i
			break
		}
	}
	if payeeIndex == -1 {
		return nil, fmt.Errorf("original transaction does not pay the uri address")
	}
	if pjUri.Amount > 0 && tx.TxOut[payeeIndex].Value != int64(pjUri.Amount) {
		return nil, fmt.Errorf(
			"original transaction pays %d sats, uri requests %d",
			tx.TxOut[payeeIndex].Value, int64(pjUri.Amount),
		)
	}

	return &SenderBuilder{
		packet:           packet,
		tx:               tx,
		pjUri:            pjUri,
		payeeScript:      payeeScript,
		payeeIndex:       payeeIndex,
		disableOutputSub: pjUri.DisableOutputSubstitution,
	}, nil
}

// AlwaysDisableOutputSubstitution hardens the negotiation even when
// the URI did not carry pjos=0. It cannot re-enable substitution a
// receiver already disabled.
func (b *SenderBuilder) AlwaysDisableOutputSubstitution() *SenderBuilder {
	b.disableOutputSub = true
	return b
}

// BuildRecommended offers the fee a receiver adding one input of the
// sender's own type would cost at the original fee rate, clamped to
// whatever the change output can carry. This is the right default for
// non-interactive wallets.
func (b *SenderBuilder) BuildRecommended(
	minFeeRate chainfee.SatPerVByte,
) (*Sender, error) {
	fee, err := payjoin.PacketFee(b.packet)
	if err != nil {
		return nil, err
	}
	rate := payjoin.FeeRateForTx(fee, b.tx)
	if floor := payjoin.SatPerVByteToKWeight(minFeeRate); floor > rate {
		rate = floor
	}

	utxo, err := payjoin.InputUtxo(b.packet, 0)
	if err != nil {
		return nil, err
	}
	var est, base input.TxWeightEstimator
	if err := payjoin.AddInputEstimate(&est, utxo.PkScript); err != nil {
		return nil, err
	}
	added := est.Weight() - base.Weight()
	recommended := btcutil.Amount(int64(rate) * int64(added) / 1000)

	return b.build(recommended, nil, minFeeRate, true)
}

// BuildWithAdditionalFee offers an explicit maximum fee contribution.
// With a nil changeIndex the change output is auto-detected, which
// only works on one- or two-output originals. When clampFeeContribution
// is set an offer larger than the change output is reduced to the
// change value instead of failing.
func (b *SenderBuilder) BuildWithAdditionalFee(
	maxFeeContribution btcutil.Amount, changeIndex *int,
	minFeeRate chainfee.SatPerVByte, clampFeeContribution bool,
) (*Sender, error) {
	return b.build(maxFeeContribution, changeIndex, minFeeRate, clampFeeContribution)
}

// BuildNonIncentivizing offers no fee contribution at all. Receivers
// adding inputs pay for them out of their own outputs, which most
// will refuse; useful only when the sender cannot spare a single sat.
func (b *SenderBuilder) BuildNonIncentivizing(
	minFeeRate chainfee.SatPerVByte,
) (*Sender, error) {
	return b.build(0, nil, minFeeRate, false)
}

func (b *SenderBuilder) build(
	maxFeeContribution btcutil.Amount, changeIndex *int,
	minFeeRate chainfee.SatPerVByte, clamp bool,
) (*Sender, error) {
	if err := b.consume(); err != nil {
		return nil, err
	}
	contribution, err := b.determineFeeContribution(maxFeeContribution, changeIndex, clamp)
	if err != nil {
		return nil, err
	}
	return &Sender{
		packet:           b.packet,
		tx:               b.tx,
		pjUri:            b.pjUri,
		payeeScript:      b.payeeScript,
		payeeIndex:       b.payeeIndex,
		contribution:     contribution,
		minFeeRate:       payjoin.SatPerVByteToKWeight(minFeeRate),
		disableOutputSub: b.disableOutputSub,
	}, nil
}

func (b *SenderBuilder) determineFeeContribution(
	max btcutil.Amount, changeIndex *int, clamp bool,
) (*feeContribution, error) {
	if max <= 0 {
		return nil, nil
	}

	index := -1
	if changeIndex != nil {
		index = *changeIndex
		if index < 0 || index >= len(b.tx.TxOut) {
			return nil, fmt.Errorf("change index %d out of range", index)
		}
		if index == b.payeeIndex {
			return nil, fmt.Errorf("change index %d is the payment output", index)
		}
	} else {
		if len(b.tx.TxOut) > 2 {
			return nil, fmt.Errorf(
				"cannot detect the change output among %d outputs, specify its index",
				len(b.tx.TxOut),
			)
		}
		for i := range b.tx.TxOut {
			if i != b.payeeIndex {
				index = i
				break
			}
		}
		if index == -1 {
			// Payment-only original, nothing to contribute from.
			if clamp {
				return nil, nil
			}
			return nil, fmt.Errorf("original transaction has no change output")
		}
	}

	amount := max
	if change := btcutil.Amount(b.tx.TxOut[index].Value); change < amount {
		if !clamp {
			return nil, fmt.Errorf(
				"change output holds %d sats, cannot contribute %d", change, amount,
			)
		}
		amount = change
	}
	if amount <= 0 {
		return nil, nil
	}
	return &feeContribution{amount: amount, index: index}, nil
}

// Sender holds one fully parameterized payjoin request. Extraction
// does not consume it: v2 polling loops extract a fresh request, and
// with it a fresh encapsulation nonce, on every attempt.
type Sender struct {
	packet *psbt.Packet
	tx     *wire.MsgTx
	pjUri  *uri.PjUri

	payeeScript []byte
	payeeIndex  int

	contribution     *feeContribution
	minFeeRate       chainfee.SatPerKWeight
	disableOutputSub bool
}

// queryParams serializes the negotiation parameters in BIP 78 form.
func (s *Sender) queryParams(version int) url.Values {
	query := url.Values{}
	query.Set("v", strconv.Itoa(version))
	if s.disableOutputSub {
		query.Set("pjos", "0")
	}
	if s.contribution != nil {
		query.Set("maxadditionalfeecontribution",
			strconv.FormatInt(int64(s.contribution.amount), 10))
		query.Set("additionalfeeoutputindex",
			strconv.Itoa(s.contribution.index))
	}
	if s.minFeeRate > 0 {
		query.Set("minfeerate",
			strconv.FormatFloat(float64(s.minFeeRate)/250, 'f', -1, 64))
	}
	return query
}

// ExtractV1 produces the plain BIP 78 POST request and the context
// that validates the receiver's synchronous response.
func (s *Sender) ExtractV1() (payjoin.Request, *V1Context, error) {
	b64, err := s.packet.B64Encode()
	if err != nil {
		return payjoin.Request{}, nil, fmt.Errorf("failed to encode original psbt: %w", err)
	}

	endpoint := *s.pjUri.Endpoint
	query := endpoint.Query()
	for key, values := range s.queryParams(payjoin.V1) {
		query[key] = values
	}
	endpoint.RawQuery = query.Encode()

	return payjoin.Request{
			URL:         &endpoint,
			ContentType: payjoin.V1ContentType,
			Body:        []byte(b64),
		}, &V1Context{
			original:         s.packet,
			originalTx:       s.tx,
			payeeScript:      s.payeeScript,
			payeeIndex:       s.payeeIndex,
			contribution:     s.contribution,
			minFeeRate:       s.minFeeRate,
			disableOutputSub: s.disableOutputSub,
		}, nil
}

// ExtractHighestVersion prefers the v2 store-and-forward flow when
// the URI advertises OHTTP keys and degrades to plain v1 otherwise.
// On the v2 path every call seals a fresh encapsulation, so polling
// loops re-extract instead of resending a stale request.
func (s *Sender) ExtractHighestVersion(
	ohttpRelay *url.URL, sealer ohttp.Sealer,
) (payjoin.Request, *Context, error) {
	if s.pjUri.OhttpKeys == nil {
		req, v1, err := s.ExtractV1()
		if err != nil {
			return payjoin.Request{}, nil, err
		}
		return req, &Context{v1: v1}, nil
	}
	if ohttpRelay == nil {
		return payjoin.Request{}, nil, fmt.Errorf("missing ohttp relay")
	}

	b64, err := s.packet.B64Encode()
	if err != nil {
		return payjoin.Request{}, nil, fmt.Errorf("failed to encode original psbt: %w", err)
	}
	body := b64 + "\n" + s.queryParams(payjoin.V2).Encode()
	payload := ohttp.EncodeRequest("POST", s.pjUri.Endpoint.Path, []byte(body))
	sealed, ctx, err := sealer.Seal(*s.pjUri.OhttpKeys, payload)
	if err != nil {
		return payjoin.Request{}, nil, fmt.Errorf("failed to seal payjoin request: %w", err)
	}

	return payjoin.Request{
			URL:         ohttpRelay,
			ContentType: payjoin.OhttpReqContentType,
			Body:        sealed,
		}, &Context{
			v1: &V1Context{
				original:         s.packet,
				originalTx:       s.tx,
				payeeScript:      s.payeeScript,
				payeeIndex:       s.payeeIndex,
				contribution:     s.contribution,
				minFeeRate:       s.minFeeRate,
				disableOutputSub: s.disableOutputSub,
			},
			ohttp: ctx,
		}, nil
}
