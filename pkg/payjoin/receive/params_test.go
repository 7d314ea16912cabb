package receive

import (
	"net/url"
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/lightningnetwork/lnd/lnwallet/chainfee"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseParams(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		params, err := ParseParams(nil)
		require.NoError(t, err)
		assert.Equal(t, 1, params.Version)
		assert.False(t, params.DisableOutputSubstitution)
		assert.Equal(t, btcutil.Amount(0), params.MaxAdditionalFeeContribution)
		assert.Equal(t, -1, params.AdditionalFeeOutputIndex)
		assert.Equal(t, chainfee.SatPerKWeight(0), params.MinFeeRate)
	})

	t.Run("full query", func(t *testing.T) {
		params, err := ParseParams(url.Values{
			"v":                            []string{"2"},
			"pjos":                         []string{"0"},
			"maxadditionalfeecontribution": []string{"1000"},
			"additionalfeeoutputindex":     []string{"1"},
			"minfeerate":                   []string{"2"},
		})
		require.NoError(t, err)
		assert.Equal(t, 2, params.Version)
		assert.True(t, params.DisableOutputSubstitution)
		assert.Equal(t, btcutil.Amount(1000), params.MaxAdditionalFeeContribution)
		assert.Equal(t, 1, params.AdditionalFeeOutputIndex)
		assert.Equal(t, chainfee.SatPerKWeight(500), params.MinFeeRate)
	})

	t.Run("fractional min fee rate", func(t *testing.T) {
		params, err := ParseParams(url.Values{"minfeerate": []string{"1.5"}})
		require.NoError(t, err)
		assert.Equal(t, chainfee.SatPerKWeight(375), params.MinFeeRate)
	})

	t.Run("unsupported version", func(t *testing.T) {
		_, err := ParseParams(url.Values{"v": []string{"3"}})
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, CodeVersionUnsupported, protoErr.Code)
	})

	t.Run("non-numeric version", func(t *testing.T) {
		_, err := ParseParams(url.Values{"v": []string{"two"}})
		var protoErr *ProtocolError
		require.ErrorAs(t, err, &protoErr)
		assert.Equal(t, CodeVersionUnsupported, protoErr.Code)
	})

	t.Run("fee offer requires both parameters", func(t *testing.T) {
		params, err := ParseParams(url.Values{
			"maxadditionalfeecontribution": []string{"1000"},
		})
		require.NoError(t, err)
		assert.Equal(t, btcutil.Amount(0), params.MaxAdditionalFeeContribution)
		assert.Equal(t, -1, params.AdditionalFeeOutputIndex)

		params, err = ParseParams(url.Values{
			"additionalfeeoutputindex": []string{"1"},
		})
		require.NoError(t, err)
		assert.Equal(t, btcutil.Amount(0), params.MaxAdditionalFeeContribution)
		assert.Equal(t, -1, params.AdditionalFeeOutputIndex)
	})

	t.Run("malformed fee offer is ignored", func(t *testing.T) {
		params, err := ParseParams(url.Values{
			"maxadditionalfeecontribution": []string{"lots"},
			"additionalfeeoutputindex":     []string{"1"},
		})
		require.NoError(t, err)
		assert.Equal(t, btcutil.Amount(0), params.MaxAdditionalFeeContribution)
		assert.Equal(t, -1, params.AdditionalFeeOutputIndex)
	})

	t.Run("invalid min fee rate", func(t *testing.T) {
		_, err := ParseParams(url.Values{"minfeerate": []string{"-1"}})
		require.Error(t, err)
		assert.True(t, IsProtocolRejection(err))
	})
}

func TestParamsEncodeRoundTrip(t *testing.T) {
	original := Params{
		Version:                      2,
		DisableOutputSubstitution:    true,
		MaxAdditionalFeeContribution: 1000,
		AdditionalFeeOutputIndex:     1,
		MinFeeRate:                   500,
	}
	parsed, err := ParseParams(original.Encode())
	require.NoError(t, err)
	assert.Equal(t, original, parsed)
}
