package launch

import (
	"fmt"
	"log"
	"runtime"
	"runtime/debug"
)

// Device is where a workload executes.
type Device struct {
	Accelerated bool
	Index       int
}

// CPU is the non-accelerated device.
var CPU = Device{}

func (d Device) String() string {
	if !d.Accelerated {
		return "cpu"
	}
	return fmt.Sprintf("accel:%d", d.Index)
}

// Accelerator is the hook into an accelerator runtime. Bind enables the
// deterministic-performance settings for a device; EmptyCache returns cached
// device memory to the runtime.
type Accelerator interface {
	Available(index int) bool
	Bind(index int) error
	EmptyCache() error
}

// NoAccelerator reports no devices. It is used when the process runs on CPU
// only.
type NoAccelerator struct{}

func (NoAccelerator) Available(int) bool { return false }
func (NoAccelerator) Bind(int) error     { return nil }
func (NoAccelerator) EmptyCache() error  { return nil }

// ResolveDevice maps a configured device index to a Device. A nil or
// negative index, or an index the accelerator does not have, selects the CPU.
func ResolveDevice(index *int, acc Accelerator) (Device, error) {
	if index == nil || *index < 0 {
		return CPU, nil
	}
	if acc == nil || !acc.Available(*index) {
		log.Printf("[Launch] Accelerator %d not available, using cpu", *index)
		return CPU, nil
	}
	if err := acc.Bind(*index); err != nil {
		return CPU, fmt.Errorf("failed to bind accelerator %d: %w", *index, err)
	}
	return Device{Accelerated: true, Index: *index}, nil
}

// ExecContext is the process-wide execution state shared by sequential
// seeds. It is passed explicitly and drained with Release between seeds.
type ExecContext struct {
	TrainDevice Device
	EnvDevice   Device
	Accelerator Accelerator
}

// NewExecContext resolves the training and environment devices
// independently.
func NewExecContext(gpu, envGPU *int, acc Accelerator) (ExecContext, error) {
	if acc == nil {
		acc = NoAccelerator{}
	}
	train, err := ResolveDevice(gpu, acc)
	if err != nil {
		return ExecContext{}, fmt.Errorf("training device: %w", err)
	}
	env, err := ResolveDevice(envGPU, acc)
	if err != nil {
		return ExecContext{}, fmt.Errorf("environment device: %w", err)
	}
	return ExecContext{TrainDevice: train, EnvDevice: env, Accelerator: acc}, nil
}

// Release forces a collection, returns freed memory to the OS and empties
// the accelerator cache.
func (e ExecContext) Release() error {
	runtime.GC()
	debug.FreeOSMemory()
	if e.Accelerator == nil {
		return nil
	}
	if err := e.Accelerator.EmptyCache(); err != nil {
		return fmt.Errorf("failed to empty accelerator cache: %w", err)
	}
	return nil
}
