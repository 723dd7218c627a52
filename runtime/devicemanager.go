package runtime

import (
	"github.com/emberml/ember/backends"
)

// DeviceManager owns one accelerator. Load, evict and run are asynchronous at
// the device layer, but Load/Evict block their caller until the device
// confirms, so the runtime never observes a half-applied change; a failed
// load must leave the device exactly as it was.
//
// RunFunction completion callbacks may fire on arbitrary device-owned
// goroutines and must be cheap.
type DeviceManager interface {
	// Init brings the device up. It must be called before any other method.
	Init() error

	// Stop drains outstanding work and shuts the device down.
	Stop() error

	// GetMaximumMemory returns the total device memory in bytes.
	GetMaximumMemory() uint64

	// GetAvailableMemory returns the memory still available for new
	// functions, in bytes.
	GetAvailableMemory() uint64

	// GetBackendName returns the backend this device executes.
	GetBackendName() string

	// GetParamByName returns the named config parameter, or "".
	GetParamByName(name string) string

	// DeviceConfig returns the configuration the device was built from.
	DeviceConfig() DeviceConfig

	// LoadFunction makes a compiled function resident. It blocks until the
	// device confirms or rejects the load.
	LoadFunction(name string, fn backends.CompiledFunction) error

	// EvictFunction removes a resident function. Evicting an unknown name is
	// an error. It blocks until the device confirms.
	EvictFunction(name string) error

	// RunFunction executes a resident function against ctx and invokes cb
	// with the outcome. cb runs on a device goroutine.
	RunFunction(runID RunIdentifier, name string, ctx *ExecutionContext,
		cb func(runID RunIdentifier, err error, ctx *ExecutionContext))

	// StartDeviceTrace begins mirroring device events into tc.
	StartDeviceTrace(tc *TraceContext) error

	// StopDeviceTrace stops mirroring events into tc.
	StopDeviceTrace(tc *TraceContext) error
}
