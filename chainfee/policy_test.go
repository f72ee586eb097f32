package chainfee

import (
	"testing"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestNormalise checks the clamp against a table of boundary values.
func TestNormalise(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  int64
		exp  SatPerKVByte
	}{
		{"negative", -5, MinimumFeePerKB},
		{"zero", 0, MinimumFeePerKB},
		{"below min", 999, MinimumFeePerKB},
		{"at min", 1000, MinimumFeePerKB},
		{"inside", 10000, 10000},
		{"odd inside", 12345, 12345},
		{"at max", 50000, MaximumFeePerKB},
		{"above max", 50001, MaximumFeePerKB},
		{"huge", 1 << 60, MaximumFeePerKB},
	}

	for _, test := range tests {
		require.Equal(t, test.exp, Normalise(test.raw), test.name)
	}
}

// TestNormaliseProperties asserts the clamp is idempotent, bounded and the
// identity inside the allowed range.
func TestNormaliseProperties(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(t *rapid.T) {
		raw := rapid.Int64().Draw(t, "raw")

		once := Normalise(raw)
		require.Equal(t, once, Normalise(int64(once)))
		require.GreaterOrEqual(t, once, MinimumFeePerKB)
		require.LessOrEqual(t, once, MaximumFeePerKB)

		if raw >= int64(MinimumFeePerKB) &&
			raw <= int64(MaximumFeePerKB) {

			require.EqualValues(t, raw, once)
		}
	})
}

// TestSliderRoundTrip checks that every slider position maps to a rate that
// maps back to the same position.
func TestSliderRoundTrip(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, SliderPosition(0))
	require.Equal(t, SliderPositions-1, SliderPosition(1<<40))
	require.Equal(t, MaximumFeePerKB, FromSliderPosition(SliderPositions+5))

	rapid.Check(t, func(t *rapid.T) {
		pos := rapid.IntRange(0, SliderPositions-1).Draw(t, "pos")

		rate := FromSliderPosition(pos)
		require.Equal(t, pos, SliderPosition(int64(rate)))
	})
}

// TestFeeForSize checks fee computation is linear in the serialized size.
func TestFeeForSize(t *testing.T) {
	t.Parallel()

	rate := SatPerKVByte(10000)
	require.Equal(t, btcutil.Amount(2260), rate.FeeForSize(226))
	require.Equal(t, btcutil.Amount(10000), rate.FeeForSize(1000))

	require.True(t, MinimumFeePerKB.IsDust(100, 25))
	require.False(t, MinimumFeePerKB.IsDust(100000, 25))
}

// TestStaticEstimator checks the static estimator normalises its rate.
func TestStaticEstimator(t *testing.T) {
	t.Parallel()

	est := NewStaticEstimator(1)
	require.NoError(t, est.Start())
	defer func() {
		require.NoError(t, est.Stop())
	}()

	rate, err := est.EstimateFeePerKB(6)
	require.NoError(t, err)
	require.Equal(t, MinimumFeePerKB, rate)
	require.Equal(t, MinimumFeePerKB, est.RelayFeePerKB())
}
