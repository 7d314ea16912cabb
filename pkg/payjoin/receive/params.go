package receive

import (
	"net/url"
	"strconv"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
)

// Params are the sender's negotiation parameters, carried as query
// parameters next to the original PSBT.
type Params struct {
	Version                   int
	DisableOutputSubstitution bool

	// MaxAdditionalFeeContribution and AdditionalFeeOutputIndex declare
	// how much the receiver may take from which sender output to cover
	// the weight of its contributed inputs. Index is -1 when unset.
	MaxAdditionalFeeContribution btcutil.Amount
	AdditionalFeeOutputIndex     int

	// MinFeeRate is the lowest fee rate the sender will accept on the
	// payjoin transaction.
	MinFeeRate chainfee.SatPerKWeight
}

func defaultParams() Params {
	return Params{Version: 1, AdditionalFeeOutputIndex: -1}
}

// ParseParams decodes the BIP 78 query parameters. Unsupported
// versions are rejected; a fee contribution offer is only honored when
// both its amount and output index are present and well formed.
func ParseParams(query url.Values) (Params, error) {
	params := defaultParams()

	if v := query.Get("v"); v != "" {
		version, err := strconv.Atoi(v)
		if err != nil || (version != 1 && version != 2) {
			return params, &ProtocolError{
				Code:    CodeVersionUnsupported,
				Message: "unsupported payjoin version " + v,
			}
		}
		params.Version = version
	}

	params.DisableOutputSubstitution = query.Get("pjos") == "0"

	maxFee := query.Get("maxadditionalfeecontribution")
	feeIndex := query.Get("additionalfeeoutputindex")
	if maxFee != "" && feeIndex != "" {
		amount, errAmount := strconv.ParseInt(maxFee, 10, 64)
		index, errIndex := strconv.Atoi(feeIndex)
		if errAmount == nil && errIndex == nil && amount > 0 && index >= 0 {
			params.MaxAdditionalFeeContribution = btcutil.Amount(amount)
			params.AdditionalFeeOutputIndex = index
		}
	}

	if v := query.Get("minfeerate"); v != "" {
		// minfeerate is expressed in sat/vB, possibly fractional.
		rate, err := strconv.ParseFloat(v, 64)
		if err != nil || rate < 0 {
			return params, rejectOriginal("invalid minfeerate %q", v)
		}
		params.MinFeeRate = chainfee.SatPerKWeight(rate * 250)
	}

	return params, nil
}

// Encode serializes the parameters back to query form.
func (p Params) Encode() url.Values {
	query := url.Values{}
	query.Set("v", strconv.Itoa(p.Version))
	if p.DisableOutputSubstitution {
		query.Set("pjos", "0")
	}
	if p.AdditionalFeeOutputIndex >= 0 && p.MaxAdditionalFeeContribution > 0 {
		query.Set("maxadditionalfeecontribution",
			strconv.FormatInt(int64(p.MaxAdditionalFeeContribution), 10))
		query.Set("additionalfeeoutputindex",
			strconv.Itoa(p.AdditionalFeeOutputIndex))
	}
	if p.MinFeeRate > 0 {
		query.Set("minfeerate",
			strconv.FormatFloat(float64(p.MinFeeRate)/250, 'f', -1, 64))
	}
	return query
}
