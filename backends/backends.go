// Package backends defines the capability set a compiler backend must
// implement to serve the host runtime, and a registry to look backends up by
// name.
//
// A backend answers three questions -- can you execute this node
// (IsOpSupported), should the generic lowering pass expand this node before
// you see it (ShouldLower), is this whole function acceptable (Verify) -- and
// performs one action: Compile a function into a CompiledFunction a device
// manager can load and run.
package backends

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/emberml/ember/graph"
)

// CompiledFunction is an executable artifact produced by a Backend, loadable
// onto a device.
type CompiledFunction interface {
	// Name returns the name of the source function.
	Name() string

	// MemorySize returns the resident size of the artifact (code plus baked
	// constants plus activation scratch), used for device placement.
	MemorySize() uint64

	// Execute runs the function against the given bindings. It is invoked by
	// a device manager on a device-owned goroutine.
	Execute(bindings *graph.PlaceholderBindings) error
}

// Backend is the capability set the runtime demands of a compiler backend.
//
// Implementations must be safe for concurrent use: the provisioner compiles
// from multiple add pipelines and the partitioner probes IsOpSupported
// concurrently with them.
type Backend interface {
	// Name returns the registry name, e.g. "cpu".
	Name() string

	// IsOpSupported is a pure, total predicate: given a node kind and the
	// element kinds of every input and output slot, can this backend execute
	// the node? Unknown kinds return false.
	IsOpSupported(ni NodeInfo) bool

	// ShouldLower reports whether the generic lowering pass should expand the
	// high-level node before handing it to this backend. Backends refuse
	// lowering for nodes they have hand-tuned kernels for.
	ShouldLower(n *graph.Node) bool

	// Verify reports whether every node of f is supported by this backend.
	Verify(f *graph.Function) bool

	// Compile turns f into a loadable artifact.
	Compile(f *graph.Function, opts *Options) (CompiledFunction, error)

	// EstimateMemory returns the expected resident size of f once compiled,
	// for placement decisions before compilation happens.
	EstimateMemory(f *graph.Function) uint64
}

// Constructor builds a backend instance.
type Constructor func() Backend

var (
	registryMu   sync.Mutex
	registry     = make(map[string]Constructor)
	instantiated = make(map[string]Backend)
)

// Register a backend constructor under the given name. To be safe, call
// Register during initialization of a package.
func Register(name string, constructor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = constructor
}

// Get returns the shared backend instance registered under name,
// instantiating it on first use.
func Get(name string) (Backend, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if b, found := instantiated[name]; found {
		return b, nil
	}
	constructor, found := registry[name]
	if !found {
		return nil, errors.Errorf("no backend registered under %q", name)
	}
	b := constructor()
	instantiated[name] = b
	return b, nil
}

// Registered returns the names of all registered backends.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
