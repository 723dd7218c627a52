// Package interpreter implements the reference interpreter backend.
//
// It is the designated profiling backend: permissive on operator support so
// that quantization profiling can observe any graph, and it always defers to
// generic lowering since it has no specialized kernels.
package interpreter

import (
	"github.com/pkg/errors"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/graph"
)

// BackendName is the registry name of this backend.
const BackendName = "interpreter"

func init() {
	backends.Register(BackendName, New)
}

// New constructs the interpreter backend.
func New() backends.Backend { return &Backend{} }

// Backend implements backends.Backend.
type Backend struct{}

var _ backends.Backend = (*Backend)(nil)

// Name returns "interpreter".
func (b *Backend) Name() string { return BackendName }

// IsOpSupported accepts every known node kind. Unknown kinds remain
// unsupported (the predicate stays total). The compiled artifact checks input
// bindings and allocates outputs; it computes no node arithmetic.
func (b *Backend) IsOpSupported(ni backends.NodeInfo) bool {
	return ni.Kind > graph.KindInvalid && ni.Kind <= graph.KindTraceEvent
}

// ShouldLower always lowers: the interpreter has no fused kernels.
func (b *Backend) ShouldLower(*graph.Node) bool { return true }

// Verify reports whether every node of f is supported.
func (b *Backend) Verify(f *graph.Function) bool {
	for _, n := range f.Nodes() {
		if n.Kind().IsStorage() {
			continue
		}
		if !b.IsOpSupported(backends.NewNodeInfo(n)) {
			return false
		}
	}
	return true
}

// EstimateMemory mirrors the CPU accounting: constants plus result buffers.
func (b *Backend) EstimateMemory(f *graph.Function) uint64 {
	var total uint64
	for _, n := range f.Nodes() {
		if c, ok := n.Storage().(*graph.Constant); ok {
			total += c.Type().ByteSize()
			continue
		}
		for _, t := range n.OutTypes() {
			total += t.ByteSize()
		}
	}
	return total
}

// Compile builds an interpreted artifact for f.
func (b *Backend) Compile(f *graph.Function, opts *backends.Options) (backends.CompiledFunction, error) {
	if !b.Verify(f) {
		return nil, errors.Errorf("interpreter: function %q contains unsupported nodes", f.Name())
	}
	cf := &compiledFunction{name: f.Name(), memSize: b.EstimateMemory(f)}
	for _, s := range f.SaveNodes() {
		cf.outputs = append(cf.outputs, s.Storage().(*graph.Placeholder))
	}
	for _, n := range f.Nodes() {
		if p, ok := n.Storage().(*graph.Placeholder); ok && n.Kind() == graph.KindPlaceholder {
			cf.inputs = append(cf.inputs, p)
		}
	}
	return cf, nil
}

type compiledFunction struct {
	name    string
	memSize uint64
	inputs  []*graph.Placeholder
	outputs []*graph.Placeholder
}

func (cf *compiledFunction) Name() string       { return cf.name }
func (cf *compiledFunction) MemorySize() uint64 { return cf.memSize }

func (cf *compiledFunction) Execute(bindings *graph.PlaceholderBindings) error {
	if bindings == nil {
		return errors.Errorf("interpreter: function %q executed without bindings", cf.name)
	}
	for _, in := range cf.inputs {
		if bindings.Get(in) == nil {
			return errors.Errorf("interpreter: function %q input %q is not bound", cf.name, in.Name())
		}
	}
	bindings.Allocate(cf.outputs)
	return nil
}
