package units

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAndFormatRoundTrip(t *testing.T) {
	t.Parallel()

	v, err := ParseUnits("12.5", 6)
	require.NoError(t, err)
	assert.Equal(t, "12500000", v.String())
	assert.Equal(t, "12.5", FormatUnits(v, 6))
}

func TestParseUnits(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		decimals uint8
		want     string
		err      error
	}{
		{in: "1", decimals: 6, want: "1000000"},
		{in: " 0.000001 ", decimals: 6, want: "1"},
		{in: ".5", decimals: 2, want: "50"},
		{in: "100.10", decimals: 1, want: "1001"},
		{in: "1000", decimals: 18, want: "1000000000000000000000"},
		{in: "0", decimals: 6, want: "0"},
		{in: "", decimals: 6, err: ErrEmptyAmount},
		{in: "abc", decimals: 6, err: ErrInvalidAmount},
		{in: "1e6", decimals: 6, err: ErrInvalidAmount},
		{in: "1.2.3", decimals: 6, err: ErrInvalidAmount},
		{in: ".", decimals: 6, err: ErrInvalidAmount},
		{in: "-1", decimals: 6, err: ErrNegativeAmount},
		{in: "0.0000001", decimals: 6, err: ErrTooManyDecimals},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseUnits(tt.in, tt.decimals)
			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got.String())
		})
	}
}

func TestFormatting(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "0", FormatUnits(nil, 6))
	assert.Equal(t, "0.000001", FormatUnits(big.NewInt(1), 6))
	assert.Equal(t, "1234.57", FormatFixed(big.NewInt(1_234_567_890), 6, 2))
	assert.Equal(t, "0.00", FormatFixed(nil, 6, 2))
}

func TestFraction(t *testing.T) {
	t.Parallel()

	balance := big.NewInt(1_005_000) // 1.005 with 6 decimals
	assert.Equal(t, "0.25", Fraction(balance, 6, 25))
	assert.Equal(t, "0.50", Fraction(balance, 6, 50))
	assert.Equal(t, "1.00", Fraction(balance, 6, 100))
}
