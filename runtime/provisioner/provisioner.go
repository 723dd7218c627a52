// Package provisioner places partitioned DAGs onto devices: it compiles each
// partition with its declared backend, loads the artifact onto devices with
// room for it, and tears everything back down on failure or eviction.
//
// The provisioner owns no per-request state; after Provision returns, the
// executor only ever consults the DAG's DeviceRuntimeInfos.
package provisioner

import (
	"sort"
	"sync"

	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/runtime"
)

// Provisioner binds partitions to devices.
type Provisioner struct {
	devices map[runtime.DeviceID]runtime.DeviceManager

	mu        sync.Mutex
	functions map[string]backends.CompiledFunction
}

// New returns a provisioner over the given device fleet.
func New(devices map[runtime.DeviceID]runtime.DeviceManager) *Provisioner {
	return &Provisioner{
		devices:   devices,
		functions: make(map[string]backends.CompiledFunction),
	}
}

// GetBackend returns the shared backend instance registered under name.
func (p *Provisioner) GetBackend(name string) (backends.Backend, error) {
	return backends.Get(name)
}

// loadedRef records one (function, device) load for rollback.
type loadedRef struct {
	name string
	id   runtime.DeviceID
}

// Provision compiles and loads every partition of every DAG.
//
// On any failure it evicts whatever this call already loaded and returns a
// single aggregated error; the DAGs' DeviceRuntimeInfos are left empty.
func (p *Provisioner) Provision(dags []*runtime.DAG, module *graph.Module,
	cctx *runtime.CompilationContext) error {

	var loaded []loadedRef
	fail := func(err error) error {
		for _, ref := range loaded {
			if evictErr := p.devices[ref.id].EvictFunction(ref.name); evictErr != nil {
				err = multierr.Append(err, evictErr)
			}
			p.mu.Lock()
			delete(p.functions, ref.name)
			p.mu.Unlock()
		}
		for _, dag := range dags {
			for _, node := range dag.Nodes {
				node.DeviceRuntimeInfos = make(map[runtime.DeviceID]struct{})
			}
		}
		return runtime.WrapError(runtime.CodeRuntimeError, err, "provisioning failed")
	}

	for _, dag := range dags {
		for _, node := range dag.Nodes {
			backend, err := backends.Get(node.BackendName)
			if err != nil {
				return fail(err)
			}
			fn := module.Function(node.Name)
			if fn == nil {
				return fail(runtime.Errorf(runtime.CodeRuntimeError,
					"partition %q has no function in the module", node.Name))
			}

			compiled, err := backend.Compile(fn, &cctx.BackendOpts)
			if err != nil {
				return fail(err)
			}
			node.Size = compiled.MemorySize()

			targets, err := p.pickDevices(node, compiled.MemorySize(), cctx.SaturateHost)
			if err != nil {
				return fail(err)
			}

			if node.DeviceRuntimeInfos == nil {
				node.DeviceRuntimeInfos = make(map[runtime.DeviceID]struct{})
			}
			for _, id := range targets {
				if err := p.devices[id].LoadFunction(node.Name, compiled); err != nil {
					return fail(err)
				}
				loaded = append(loaded, loadedRef{name: node.Name, id: id})
				node.DeviceRuntimeInfos[id] = struct{}{}
			}
			p.mu.Lock()
			p.functions[node.Name] = compiled
			p.mu.Unlock()
			klog.V(1).Infof("provisioned %q (%s) onto %d device(s)",
				node.Name, node.BackendName, len(targets))
		}
	}
	return nil
}

// pickDevices selects the devices to load a partition onto: the single
// best-fit device, or every matching device when saturating the host.
func (p *Provisioner) pickDevices(node *runtime.DAGNode, size uint64, saturate bool) ([]runtime.DeviceID, error) {
	var candidates []runtime.DeviceID
	for id, dm := range p.devices {
		if dm.GetBackendName() != node.BackendName {
			continue
		}
		candidates = append(candidates, id)
	}
	if len(candidates) == 0 {
		return nil, runtime.Errorf(runtime.CodeRuntimeError,
			"no device executes backend %q required by partition %q",
			node.BackendName, node.Name)
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		availA, availB := p.devices[a].GetAvailableMemory(), p.devices[b].GetAvailableMemory()
		if availA != availB {
			return availA > availB
		}
		return a < b
	})

	if saturate {
		var fitting []runtime.DeviceID
		for _, id := range candidates {
			if p.devices[id].GetAvailableMemory() >= size {
				fitting = append(fitting, id)
			}
		}
		if len(fitting) == 0 {
			return nil, runtime.Errorf(runtime.CodeDeviceOutOfMemory,
				"no device has %d bytes available for partition %q", size, node.Name)
		}
		return fitting, nil
	}

	if p.devices[candidates[0]].GetAvailableMemory() < size {
		return nil, runtime.Errorf(runtime.CodeDeviceOutOfMemory,
			"no device has %d bytes available for partition %q", size, node.Name)
	}
	return candidates[:1], nil
}

// EvictFunction removes one loaded partition from one device.
func (p *Provisioner) EvictFunction(name string, id runtime.DeviceID) error {
	dm, found := p.devices[id]
	if !found {
		return runtime.Errorf(runtime.CodeRuntimeError, "unknown device %d", id)
	}
	return dm.EvictFunction(name)
}

// RemoveFunction forgets the compiled artifact for name. Removing an unknown
// name is a no-op: after a profiling rebuild the previous provisioner's
// artifacts are already gone.
func (p *Provisioner) RemoveFunction(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.functions, name)
	return nil
}

// CompiledFunction returns the compiled artifact for name, or nil.
func (p *Provisioner) CompiledFunction(name string) backends.CompiledFunction {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.functions[name]
}
