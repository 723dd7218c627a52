// Package device implements the local device manager: one accelerator
// simulated on host memory, executing functions compiled by its backend on a
// dedicated dispatch goroutine.
//
// Loads, evictions and runs funnel through that goroutine, mirroring a real
// device's command queue: the lower layer is asynchronous, while the blocking
// Load/Evict surface waits for device confirmation before returning.
package device

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"k8s.io/klog/v2"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/runtime"
)

// taskQueueDepth bounds the device command queue.
const taskQueueDepth = 16

// New constructs a device manager for cfg. The backend named by the config
// must be registered.
func New(cfg runtime.DeviceConfig) (runtime.DeviceManager, error) {
	if _, err := backends.Get(cfg.BackendName); err != nil {
		return nil, runtime.WrapError(runtime.CodeRuntimeError, err,
			"creating device manager "+cfg.Name)
	}
	return &localDevice{
		cfg:       cfg,
		functions: make(map[string]backends.CompiledFunction),
	}, nil
}

type localDevice struct {
	cfg runtime.DeviceConfig

	// lifecycleMu guards initialized/stopped and the task channel identity.
	// Senders hold it shared while enqueueing so Stop cannot close the
	// channel under them; the dispatch goroutine never takes it.
	lifecycleMu sync.RWMutex
	initialized bool
	stopped     bool
	tasks       chan func()
	wg          sync.WaitGroup

	// mu guards the resident-function table, memory accounting and trace
	// sink. Held only for short critical sections, never across Execute.
	mu         sync.Mutex
	functions  map[string]backends.CompiledFunction
	usedMemory uint64
	trace      *runtime.TraceContext
}

var _ runtime.DeviceManager = (*localDevice)(nil)

// Init starts the dispatch goroutine.
func (d *localDevice) Init() error {
	d.lifecycleMu.Lock()
	defer d.lifecycleMu.Unlock()
	if d.stopped {
		return runtime.Errorf(runtime.CodeRuntimeError, "device %s already stopped", d.cfg.Name)
	}
	if d.initialized {
		return nil
	}
	d.tasks = make(chan func(), taskQueueDepth)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for task := range d.tasks {
			task()
		}
	}()
	d.initialized = true
	klog.V(1).Infof("device %s (%s) up, %s memory",
		d.cfg.Name, d.cfg.BackendName, humanize.IBytes(d.cfg.DeviceMemory))
	return nil
}

// Stop drains the command queue and shuts the device down. Stopping an
// already-stopped device is a no-op.
func (d *localDevice) Stop() error {
	d.lifecycleMu.Lock()
	if d.stopped {
		d.lifecycleMu.Unlock()
		return nil
	}
	d.stopped = true
	initialized := d.initialized
	if initialized {
		close(d.tasks)
	}
	d.lifecycleMu.Unlock()

	if initialized {
		d.wg.Wait()
	}
	klog.V(1).Infof("device %s stopped", d.cfg.Name)
	return nil
}

// submit enqueues a task unless the device is down.
func (d *localDevice) submit(task func()) error {
	d.lifecycleMu.RLock()
	defer d.lifecycleMu.RUnlock()
	if !d.initialized || d.stopped {
		return runtime.Errorf(runtime.CodeRuntimeError, "device %s is not running", d.cfg.Name)
	}
	d.tasks <- task
	return nil
}

func (d *localDevice) GetMaximumMemory() uint64 { return d.cfg.DeviceMemory }

func (d *localDevice) GetAvailableMemory() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.usedMemory > d.cfg.DeviceMemory {
		return 0
	}
	return d.cfg.DeviceMemory - d.usedMemory
}

func (d *localDevice) GetBackendName() string { return d.cfg.BackendName }

func (d *localDevice) GetParamByName(name string) string { return d.cfg.Parameters[name] }

func (d *localDevice) DeviceConfig() runtime.DeviceConfig { return d.cfg }

// LoadFunction makes fn resident, blocking until the device confirms. A load
// that does not fit is rejected whole; the device state is unchanged.
func (d *localDevice) LoadFunction(name string, fn backends.CompiledFunction) error {
	done := make(chan error, 1)
	err := d.submit(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		if _, found := d.functions[name]; found {
			done <- runtime.Errorf(runtime.CodeRuntimeError,
				"device %s already holds function %q", d.cfg.Name, name)
			return
		}
		size := fn.MemorySize()
		if d.usedMemory+size > d.cfg.DeviceMemory {
			done <- runtime.Errorf(runtime.CodeDeviceOutOfMemory,
				"device %s cannot hold function %q: needs %s, %s available",
				d.cfg.Name, name, humanize.IBytes(size),
				humanize.IBytes(d.cfg.DeviceMemory-d.usedMemory))
			return
		}
		d.functions[name] = fn
		d.usedMemory += size
		done <- nil
	})
	if err != nil {
		return err
	}
	return <-done
}

// EvictFunction removes a resident function, blocking until the device
// confirms.
func (d *localDevice) EvictFunction(name string) error {
	done := make(chan error, 1)
	err := d.submit(func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		fn, found := d.functions[name]
		if !found {
			done <- runtime.Errorf(runtime.CodeRuntimeError,
				"device %s does not hold function %q", d.cfg.Name, name)
			return
		}
		delete(d.functions, name)
		d.usedMemory -= fn.MemorySize()
		done <- nil
	})
	if err != nil {
		return err
	}
	return <-done
}

// RunFunction executes a resident function and reports through cb on the
// dispatch goroutine. If the device is down, cb fires on the caller's
// goroutine with the error.
func (d *localDevice) RunFunction(runID runtime.RunIdentifier, name string,
	ctx *runtime.ExecutionContext,
	cb func(runID runtime.RunIdentifier, err error, ctx *runtime.ExecutionContext)) {

	err := d.submit(func() {
		d.mu.Lock()
		fn, found := d.functions[name]
		trace := d.trace
		d.mu.Unlock()

		if !found {
			cb(runID, runtime.Errorf(runtime.CodeRuntimeError,
				"device %s does not hold function %q", d.cfg.Name, name), ctx)
			return
		}
		begin := time.Now()
		runErr := fn.Execute(ctx.Bindings)
		elapsed := time.Since(begin)
		ev := runtime.TraceEvent{Name: name, Device: d.cfg.Name, Begin: begin, Duration: elapsed}
		if trace != nil {
			trace.Record(ev)
		}
		if ctx.Trace != nil {
			ctx.Trace.Record(ev)
		}
		cb(runID, runErr, ctx)
	})
	if err != nil {
		cb(runID, err, ctx)
	}
}

// StartDeviceTrace begins mirroring run events into tc.
func (d *localDevice) StartDeviceTrace(tc *runtime.TraceContext) error {
	d.lifecycleMu.RLock()
	running := d.initialized && !d.stopped
	d.lifecycleMu.RUnlock()
	if !running {
		return runtime.Errorf(runtime.CodeRuntimeError, "device %s is not running", d.cfg.Name)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.trace = tc
	return nil
}

// StopDeviceTrace stops mirroring events.
func (d *localDevice) StopDeviceTrace(tc *runtime.TraceContext) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.trace != tc {
		return runtime.Errorf(runtime.CodeRuntimeError,
			"device %s has no trace session for this context", d.cfg.Name)
	}
	d.trace = nil
	return nil
}
