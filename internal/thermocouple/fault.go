// Package thermocouple reads kiln temperature through a hardware
// capability boundary and classifies driver fault conditions into a
// closed set of kinds the control loop can make policy decisions on.
package thermocouple

import (
	"errors"
	"fmt"
)

// FaultKind identifies a sensor fault category.
type FaultKind string

const (
	FaultNotConnected     FaultKind = "not_connected"
	FaultShortCircuit     FaultKind = "short_circuit"
	FaultOverUnderVoltage FaultKind = "over_under_voltage"
	FaultUnknown          FaultKind = "unknown"
)

// Fault is a classified sensor failure.
type Fault struct {
	Kind   FaultKind
	Detail string
}

func (f *Fault) Error() string {
	if f.Detail == "" {
		return fmt.Sprintf("thermocouple fault: %s", f.Kind)
	}
	return fmt.Sprintf("thermocouple fault: %s: %s", f.Kind, f.Detail)
}

// AsFault unwraps err into a *Fault if one is in its chain.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

// MAX31856 fault status register bits. The driver surfaces these as a
// raw byte; everything downstream sees only a FaultKind.
const (
	statusOpen   = 0x01 // open thermocouple circuit
	statusOvuv   = 0x02 // over/under voltage on the TC inputs
	statusTCLow  = 0x04 // reading pinned below conversion range
	statusTCHigh = 0x08 // reading pinned above conversion range
)

// ClassifyStatus maps a raw fault status byte to a Fault, or nil when no
// fault bits are set. A reading pinned at either conversion rail is
// treated as a short circuit.
func ClassifyStatus(bits uint8) *Fault {
	switch {
	case bits == 0:
		return nil
	case bits&statusOpen != 0:
		return &Fault{Kind: FaultNotConnected, Detail: "open circuit"}
	case bits&statusOvuv != 0:
		return &Fault{Kind: FaultOverUnderVoltage}
	case bits&(statusTCLow|statusTCHigh) != 0:
		return &Fault{Kind: FaultShortCircuit, Detail: "reading pinned at conversion rail"}
	default:
		return &Fault{Kind: FaultUnknown, Detail: fmt.Sprintf("status 0x%02x", bits)}
	}
}
