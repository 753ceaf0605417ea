package hardware

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/kilnworks/kilnd/internal/thermocouple"
)

// IIOThermocouple reads a MAX31856-style thermocouple through the Linux
// kernel IIO driver, which exposes the converted temperature and the
// fault status register as sysfs attributes. This keeps SPI register
// access out of the process entirely.
type IIOThermocouple struct {
	// TempPath is the in_temp_raw attribute (millidegrees Celsius).
	TempPath string
	// FaultPath is the fault status attribute; empty disables fault
	// register checks (faults then surface as read errors).
	FaultPath string
	// Scale converts the raw attribute value to Celsius. The MAX31856
	// IIO driver reports millidegrees, so the usual value is 0.001.
	Scale float64
}

// NewIIOThermocouple builds a reader for the given IIO device directory
// (e.g. /sys/bus/iio/devices/iio:device0).
func NewIIOThermocouple(deviceDir string) *IIOThermocouple {
	return &IIOThermocouple{
		TempPath:  deviceDir + "/in_temp_raw",
		FaultPath: deviceDir + "/fault",
		Scale:     0.001,
	}
}

// ReadRaw reads count samples from the IIO attributes, checking the
// fault register before each conversion. Driver-level failures are
// classified into thermocouple faults.
func (r *IIOThermocouple) ReadRaw(count int) ([]float64, error) {
	if count < 1 {
		count = 1
	}
	samples := make([]float64, 0, count)
	for i := 0; i < count; i++ {
		if r.FaultPath != "" {
			if err := r.checkFault(); err != nil {
				return nil, err
			}
		}
		v, err := r.readAttr(r.TempPath)
		if err != nil {
			return nil, classifyReadError(err)
		}
		samples = append(samples, v*r.Scale)
	}
	return samples, nil
}

// checkFault reads the fault status attribute and classifies it.
func (r *IIOThermocouple) checkFault() error {
	v, err := r.readAttr(r.FaultPath)
	if err != nil {
		// A missing fault attribute is not itself a fault.
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return classifyReadError(err)
	}
	if f := thermocouple.ClassifyStatus(uint8(v)); f != nil {
		return f
	}
	return nil
}

func (r *IIOThermocouple) readAttr(path string) (float64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(string(data)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", path, err)
	}
	return v, nil
}

// classifyReadError maps filesystem-level failures to fault kinds: a
// vanished device node means the sensor is gone; anything else is
// unknown.
func classifyReadError(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return &thermocouple.Fault{Kind: thermocouple.FaultNotConnected, Detail: err.Error()}
	}
	return &thermocouple.Fault{Kind: thermocouple.FaultUnknown, Detail: err.Error()}
}
