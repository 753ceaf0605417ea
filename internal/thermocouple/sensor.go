package thermocouple

import (
	"sort"
)

// RawReader is the hardware capability boundary. It returns count raw
// temperature samples in Celsius, or a fault. Implementations live in
// internal/hardware; the rest of the core never touches registers.
type RawReader interface {
	ReadRaw(count int) ([]float64, error)
}

// Sensor produces a single filtered temperature reading per call.
type Sensor interface {
	Read() (float64, error)
}

// Config tunes the real sensor's filtering and calibration.
type Config struct {
	// Samples is the number of raw samples taken per reading. The median
	// of the samples is returned, which rejects single-sample outliers
	// where a mean would not. Values below 1 read a single sample.
	Samples int
	// Offset is a calibration offset added to the filtered reading.
	Offset float64
}

// Probe is the real sensor variant: it reads raw samples through a
// RawReader and returns their median plus the calibration offset.
type Probe struct {
	raw RawReader
	cfg Config
}

// NewProbe wraps a RawReader in median filtering and calibration.
func NewProbe(raw RawReader, cfg Config) *Probe {
	if cfg.Samples < 1 {
		cfg.Samples = 1
	}
	return &Probe{raw: raw, cfg: cfg}
}

// Read takes the configured number of raw samples and returns their
// median plus the calibration offset. Driver errors are normalized to
// *Fault; anything unclassified comes back as FaultUnknown.
func (p *Probe) Read() (float64, error) {
	samples, err := p.raw.ReadRaw(p.cfg.Samples)
	if err != nil {
		if f, ok := AsFault(err); ok {
			return 0, f
		}
		return 0, &Fault{Kind: FaultUnknown, Detail: err.Error()}
	}
	if len(samples) == 0 {
		return 0, &Fault{Kind: FaultUnknown, Detail: "no samples returned"}
	}
	return median(samples) + p.cfg.Offset, nil
}

// median returns the middle value of the samples, or the mean of the two
// middle values for an even count. The input slice is not modified.
func median(samples []float64) float64 {
	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
