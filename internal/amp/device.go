// Package amp selects the compute device and provides loss scaling for
// half-precision training.
package amp

import (
	"fmt"

	"github.com/klauspost/cpuid/v2"
)

const (
	DeviceAuto = "auto"
	DeviceCPU  = "cpu"
	DeviceFP16 = "fp16"
)

// Device is resolved once and passed to the trainer explicitly.
type Device struct {
	Name           string
	MixedPrecision bool
	Description    string
}

func (d Device) String() string {
	return fmt.Sprintf("%v (mixed precision %v, %v)", d.Name, d.MixedPrecision, d.Description)
}

// HalfSupported reports native half-precision arithmetic on this CPU.
func HalfSupported() bool {
	return cpuid.CPU.Supports(cpuid.AVX512FP16)
}

// SelectDevice resolves a device name. Arithmetic runs in float64 on every
// device, so half precision is only emulated and never chosen by "auto".
func SelectDevice(name string) (Device, error) {
	var description = fmt.Sprintf("%v, %v logical cores, native fp16 %v",
		cpuid.CPU.BrandName, cpuid.CPU.LogicalCores, HalfSupported())
	switch name {
	case "", DeviceAuto:
		return Device{Name: DeviceAuto, Description: description}, nil
	case DeviceCPU:
		return Device{Name: DeviceCPU, Description: description}, nil
	case DeviceFP16:
		return Device{
			Name:           DeviceFP16,
			MixedPrecision: true,
			Description:    description + ", emulated",
		}, nil
	default:
		return Device{}, fmt.Errorf("unknown device %q", name)
	}
}
