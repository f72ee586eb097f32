package chainfee

const (
	// MinimumFeePerKB is the lowest fee rate the wallet will ever use.
	// It matches the default relay fee of the network.
	MinimumFeePerKB SatPerKVByte = 1000

	// DefaultFeePerKB is used when the caller does not express a
	// preference.
	DefaultFeePerKB SatPerKVByte = 10000

	// MaximumFeePerKB is the highest fee rate the wallet will ever use.
	MaximumFeePerKB SatPerKVByte = 50000

	// Resolution is the step, in sat/kb, between two neighbouring fee
	// slider positions.
	Resolution SatPerKVByte = 100
)

// Normalise clamps a raw fee rate into [MinimumFeePerKB, MaximumFeePerKB].
// Values outside the range are moved to the closest bound and values inside
// the range are returned untouched, so Normalise(Normalise(x)) equals
// Normalise(x) for every x.
func Normalise(rawFeePerKB int64) SatPerKVByte {
	switch {
	case rawFeePerKB < int64(MinimumFeePerKB):
		log.Tracef("Raising fee rate %d sat/kb to minimum %v",
			rawFeePerKB, MinimumFeePerKB)

		return MinimumFeePerKB

	case rawFeePerKB > int64(MaximumFeePerKB):
		log.Tracef("Lowering fee rate %d sat/kb to maximum %v",
			rawFeePerKB, MaximumFeePerKB)

		return MaximumFeePerKB

	default:
		return SatPerKVByte(rawFeePerKB)
	}
}

// SliderPositions is the number of discrete positions between the minimum
// and maximum fee rate, both ends included.
const SliderPositions = int((MaximumFeePerKB-MinimumFeePerKB)/Resolution) + 1

// SliderPosition maps a fee rate to the closest slider position at or below
// it. The rate is normalised first.
func SliderPosition(rawFeePerKB int64) int {
	rate := Normalise(rawFeePerKB)

	return int((rate - MinimumFeePerKB) / Resolution)
}

// FromSliderPosition maps a slider position back to a fee rate. Positions
// outside the slider are normalised to its ends.
func FromSliderPosition(position int) SatPerKVByte {
	raw := int64(MinimumFeePerKB) + int64(position)*int64(Resolution)

	return Normalise(raw)
}
