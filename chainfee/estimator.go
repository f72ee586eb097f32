package chainfee

// Estimator provides the ability to estimate on-chain transaction fees for
// a desired confirmation time, measured in blocks.
type Estimator interface {
	// EstimateFeePerKB takes in a target for the number of blocks until an
	// initial confirmation and returns the estimated fee expressed in
	// sat/kb. The returned rate is always normalised.
	EstimateFeePerKB(numBlocks uint32) (SatPerKVByte, error)

	// Start signals the Estimator to start any processes or goroutines
	// it needs to perform its duty.
	Start() error

	// Stop stops any spawned goroutines and cleans up the resources used
	// by the fee estimator.
	Stop() error

	// RelayFeePerKB returns the minimum fee rate required for transactions
	// to be relayed. This is also the basis for calculation of the dust
	// limit.
	RelayFeePerKB() SatPerKVByte
}

// StaticEstimator will return a static value for all fee calculation requests.
type StaticEstimator struct {
	// feePerKB is the static fee rate in sat/kb that will be returned by
	// this fee estimator.
	feePerKB SatPerKVByte

	// relayFee is the minimum fee rate required for transactions to be
	// relayed.
	relayFee SatPerKVByte
}

// NewStaticEstimator returns a new static fee estimator instance. The fee
// rate is normalised on construction.
func NewStaticEstimator(feePerKB int64) *StaticEstimator {
	return &StaticEstimator{
		feePerKB: Normalise(feePerKB),
		relayFee: MinimumFeePerKB,
	}
}

// EstimateFeePerKB will return a static value for fee calculations.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) EstimateFeePerKB(_ uint32) (SatPerKVByte, error) {
	return e.feePerKB, nil
}

// RelayFeePerKB returns the minimum fee rate required for transactions to be
// relayed.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) RelayFeePerKB() SatPerKVByte {
	return e.relayFee
}

// Start signals the Estimator to start any processes or goroutines
// it needs to perform its duty.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) Start() error {
	return nil
}

// Stop stops any spawned goroutines and cleans up the resources used
// by the fee estimator.
//
// NOTE: This method is part of the Estimator interface.
func (e StaticEstimator) Stop() error {
	return nil
}

// A compile-time assertion to ensure that StaticEstimator implements the
// Estimator interface.
var _ Estimator = (*StaticEstimator)(nil)
