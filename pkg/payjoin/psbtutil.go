package payjoin

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/input"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// ParsePsbt decodes a base64 PSBT, the primary cross-boundary
// transaction format.
func ParsePsbt(b64 string) (*psbt.Packet, error) {
	packet, err := psbt.NewFromRawBytes(bytes.NewReader([]byte(b64)), true)
	if err != nil {
		return nil, fmt.Errorf("malformed psbt: %w", err)
	}
	return packet, nil
}

// ClonePacket deep-copies a packet through its serialized form.
func ClonePacket(p *psbt.Packet) (*psbt.Packet, error) {
	var buf bytes.Buffer
	if err := p.Serialize(&buf); err != nil {
		return nil, fmt.Errorf("failed to serialize psbt: %w", err)
	}
	return psbt.NewFromRawBytes(bytes.NewReader(buf.Bytes()), false)
}

// InputUtxo returns the previous output funding input i.
func InputUtxo(p *psbt.Packet, i int) (*wire.TxOut, error) {
	if i < 0 || i >= len(p.Inputs) || i >= len(p.UnsignedTx.TxIn) {
		return nil, fmt.Errorf("input index %d out of range", i)
	}
	in := p.Inputs[i]
	if in.WitnessUtxo != nil {
		return in.WitnessUtxo, nil
	}
	if in.NonWitnessUtxo != nil {
		vout := p.UnsignedTx.TxIn[i].PreviousOutPoint.Index
		if int(vout) >= len(in.NonWitnessUtxo.TxOut) {
			return nil, fmt.Errorf("input %d references vout %d beyond its non-witness utxo", i, vout)
		}
		return in.NonWitnessUtxo.TxOut[int(vout)], nil
	}
	return nil, fmt.Errorf("input %d misses utxo information", i)
}

// InputScriptClass classifies the previous output script of input i.
func InputScriptClass(p *psbt.Packet, i int) (txscript.ScriptClass, error) {
	utxo, err := InputUtxo(p, i)
	if err != nil {
		return txscript.NonStandardTy, err
	}
	return txscript.GetScriptClass(utxo.PkScript), nil
}

// PacketFee computes sum(inputs) - sum(outputs). It fails when any
// input misses utxo information or when outputs exceed inputs.
func PacketFee(p *psbt.Packet) (btcutil.Amount, error) {
	var inputSum int64
	for i := range p.Inputs {
		utxo, err := InputUtxo(p, i)
		if err != nil {
			return 0, err
		}
		inputSum += utxo.Value
	}
	var outputSum int64
	for _, out := range p.UnsignedTx.TxOut {
		outputSum += out.Value
	}
	if outputSum > inputSum {
		return 0, fmt.Errorf("outputs (%d sat) exceed inputs (%d sat)", outputSum, inputSum)
	}
	return btcutil.Amount(inputSum - outputSum), nil
}

// TxWeight computes the weight of a transaction, witness included.
func TxWeight(tx *wire.MsgTx) lntypes.WeightUnit {
	baseSize := tx.SerializeSizeStripped()
	totalSize := tx.SerializeSize() // including witness
	return lntypes.WeightUnit(totalSize + baseSize*3)
}

// TxVSize returns the virtual size of a transaction.
func TxVSize(tx *wire.MsgTx) lntypes.VByte {
	return TxWeight(tx).ToVB()
}

// FeeRateForTx derives the fee rate achieved by paying fee for tx.
func FeeRateForTx(fee btcutil.Amount, tx *wire.MsgTx) chainfee.SatPerKWeight {
	weight := TxWeight(tx)
	if weight == 0 {
		return 0
	}
	return chainfee.SatPerKWeight(int64(fee) * 1000 / int64(weight))
}

// SatPerVByteToKWeight converts between the two fee-rate units used by
// the protocol. 1 vbyte = 4 weight units, so sat/vB * 1000 / 4.
func SatPerVByteToKWeight(r chainfee.SatPerVByte) chainfee.SatPerKWeight {
	return chainfee.SatPerKWeight(r * 250)
}

// AddInputEstimate grows a weight estimate by one input spending the
// given previous output script.
func AddInputEstimate(est *input.TxWeightEstimator, pkScript []byte) error {
	switch txscript.GetScriptClass(pkScript) {
	case txscript.WitnessV0PubKeyHashTy:
		est.AddP2WKHInput()
	case txscript.WitnessV1TaprootTy:
		est.AddTaprootKeySpendInput(txscript.SigHashDefault)
	case txscript.PubKeyHashTy:
		est.AddP2PKHInput()
	case txscript.ScriptHashTy:
		est.AddNestedP2WKHInput()
	default:
		return fmt.Errorf("unsupported input script type %v", txscript.GetScriptClass(pkScript))
	}
	return nil
}

// EstimatePacketWeight estimates the fully signed weight of a packet,
// whether or not every signature is present yet.
func EstimatePacketWeight(p *psbt.Packet) (lntypes.WeightUnit, error) {
	var est input.TxWeightEstimator
	for i := range p.Inputs {
		utxo, err := InputUtxo(p, i)
		if err != nil {
			return 0, err
		}
		if err := AddInputEstimate(&est, utxo.PkScript); err != nil {
			return 0, err
		}
	}
	for _, out := range p.UnsignedTx.TxOut {
		est.AddTxOutput(out)
	}
	return est.Weight(), nil
}

// InputFinalized reports whether input i carries final signature data.
func InputFinalized(p *psbt.Packet, i int) bool {
	if i < 0 || i >= len(p.Inputs) {
		return false
	}
	in := p.Inputs[i]
	return len(in.FinalScriptSig) > 0 || len(in.FinalScriptWitness) > 0
}

// ClearInputSigFields strips every signature field from an input so
// the counterparty has to re-sign against the altered transaction.
func ClearInputSigFields(in *psbt.PInput) {
	in.PartialSigs = nil
	in.FinalScriptSig = nil
	in.FinalScriptWitness = nil
	in.TaprootKeySpendSig = nil
	in.TaprootScriptSpendSig = nil
}
