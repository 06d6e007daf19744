/*

This file contains the default engine parameters.

Each value is overridable through an environment variable of the same name in
upper snake case (e.g. ECO_BATCH_SIZE). The defaults are calibrated for
minute-level price sampling and hourly eco batches.

*/

package config

import "time"

// EngineParameters holds every tunable threshold, interval, and limit used by
// the rebalancing engine. A single instance is built at startup and passed by
// value to the services that need it.
type EngineParameters struct {
	// --- Volatility Analytics ---
	LookbackWindowHours int // Price-history window for volatility computation.
	MinSampleCount      int // Floor below which analytics endpoints report insufficient data.
	VolatilityCacheTTL  time.Duration

	// --- Rebalance Decision ---
	BoundaryThresholdPct float64 // Early-warning distance to a range boundary, percent of width.

	// --- Range Geometry ---
	MaxBinSpan    int32 // Protocol ceiling on upper-lower.
	MinRangeWidth int32
	MaxRangeWidth int32

	// --- Eco-Batch Scheduler ---
	EcoInterval       time.Duration
	EcoBatchSize      int
	EcoAdmissionFloor float64 // Minimum priority for automatic eco-queue admission.
	EcoQueueCapacity  int
	GasSavingsRatio   float64 // Per-transaction savings ratio for the batch estimate.

	// --- Stop-Loss Monitor ---
	StopLossInterval time.Duration

	// --- Position Monitor ---
	MonitorInterval time.Duration

	// --- Approval Queue ---
	TxExpiry            time.Duration
	ExpirySweepInterval time.Duration

	// --- Collaborator Access ---
	CollaboratorTimeout time.Duration
	RequestSpacing      time.Duration // Pacing toward the chain-data provider.
}

// DefaultEngineParameters provides the baseline engine configuration.
var DefaultEngineParameters = EngineParameters{
	LookbackWindowHours: 24,
	MinSampleCount:      10,
	VolatilityCacheTTL:  60 * time.Second,

	BoundaryThresholdPct: 5.0,

	MaxBinSpan:    140,
	MinRangeWidth: 20,
	MaxRangeWidth: 120,

	EcoInterval:       time.Hour,
	EcoBatchSize:      5,
	EcoAdmissionFloor: 50.0,
	EcoQueueCapacity:  256,
	GasSavingsRatio:   0.2,

	StopLossInterval: 60 * time.Second,

	MonitorInterval: 60 * time.Second,

	TxExpiry:            24 * time.Hour,
	ExpirySweepInterval: time.Hour,

	CollaboratorTimeout: 60 * time.Second,
	RequestSpacing:      500 * time.Millisecond,
}

// LoadEngineParameters returns the defaults with any environment overrides
// applied.
func LoadEngineParameters() EngineParameters {
	p := DefaultEngineParameters

	p.LookbackWindowHours = getEnvAsInt("LOOKBACK_WINDOW_HOURS", p.LookbackWindowHours)
	p.MinSampleCount = getEnvAsInt("MIN_SAMPLE_COUNT", p.MinSampleCount)
	p.BoundaryThresholdPct = getEnvAsFloat64("BOUNDARY_THRESHOLD_PCT", p.BoundaryThresholdPct)
	p.MaxBinSpan = int32(getEnvAsInt("MAX_BIN_SPAN", int(p.MaxBinSpan)))
	p.MinRangeWidth = int32(getEnvAsInt("MIN_RANGE_WIDTH", int(p.MinRangeWidth)))
	p.MaxRangeWidth = int32(getEnvAsInt("MAX_RANGE_WIDTH", int(p.MaxRangeWidth)))
	p.EcoBatchSize = getEnvAsInt("ECO_BATCH_SIZE", p.EcoBatchSize)
	p.EcoAdmissionFloor = getEnvAsFloat64("ECO_ADMISSION_FLOOR", p.EcoAdmissionFloor)
	p.GasSavingsRatio = getEnvAsFloat64("GAS_SAVINGS_RATIO", p.GasSavingsRatio)

	if minutes := getEnvAsInt("ECO_INTERVAL_MINUTES", 0); minutes > 0 {
		p.EcoInterval = time.Duration(minutes) * time.Minute
	}
	if seconds := getEnvAsInt("STOP_LOSS_INTERVAL_SECONDS", 0); seconds > 0 {
		p.StopLossInterval = time.Duration(seconds) * time.Second
	}
	if seconds := getEnvAsInt("MONITOR_INTERVAL_SECONDS", 0); seconds > 0 {
		p.MonitorInterval = time.Duration(seconds) * time.Second
	}
	if hours := getEnvAsInt("TX_EXPIRY_HOURS", 0); hours > 0 {
		p.TxExpiry = time.Duration(hours) * time.Hour
	}
	if ms := getEnvAsInt("REQUEST_SPACING_MS", 0); ms > 0 {
		p.RequestSpacing = time.Duration(ms) * time.Millisecond
	}

	return p
}
