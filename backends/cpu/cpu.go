// Package cpu implements the reference CPU backend.
//
// It carries the hand-maintained operator support table (see ops.go) and a
// compiled artifact whose Execute checks the input bindings and zero-fills
// the outputs; it computes no node arithmetic. Convolution and
// SparseLengthsSum refuse generic lowering.
package cpu

import (
	"github.com/pkg/errors"

	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/graph"
)

// BackendName is the registry name of this backend.
const BackendName = "cpu"

func init() {
	backends.Register(BackendName, New)
}

// New constructs the CPU backend.
func New() backends.Backend { return &Backend{} }

// Backend implements backends.Backend for the host CPU.
type Backend struct{}

// Compile-time check:
var _ backends.Backend = (*Backend)(nil)

// Name returns "cpu".
func (b *Backend) Name() string { return BackendName }

// Verify reports whether every compute node of f passes the support table.
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

// EstimateMemory returns the expected resident size of f once compiled:
// referenced constants plus every node's result buffers.
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

// Compile builds a host-executable artifact for f.
func (b *Backend) Compile(f *graph.Function, opts *backends.Options) (backends.CompiledFunction, error) {
	if !b.Verify(f) {
		return nil, errors.Errorf("cpu: function %q contains unsupported nodes", f.Name())
	}
	saves := f.SaveNodes()
	if len(saves) == 0 {
		return nil, errors.Errorf("cpu: function %q has no outputs", f.Name())
	}
	cf := &compiledFunction{
		name:    f.Name(),
		memSize: b.EstimateMemory(f),
	}
	for _, s := range saves {
		cf.outputs = append(cf.outputs, s.Storage().(*graph.Placeholder))
	}
	for _, n := range f.Nodes() {
		if p, ok := n.Storage().(*graph.Placeholder); ok && n.Kind() == graph.KindPlaceholder {
			cf.inputs = append(cf.inputs, p)
		}
	}
	return cf, nil
}

// compiledFunction is the loadable artifact: the I/O contract of the source
// function plus its resident size.
type compiledFunction struct {
	name    string
	memSize uint64
	inputs  []*graph.Placeholder
	outputs []*graph.Placeholder
}

func (cf *compiledFunction) Name() string       { return cf.name }
func (cf *compiledFunction) MemorySize() uint64 { return cf.memSize }

// Execute validates the bindings and materializes every output. Inputs must
// be bound by the caller; outputs are allocated on demand.
func (cf *compiledFunction) Execute(bindings *graph.PlaceholderBindings) error {
	if bindings == nil {
		return errors.Errorf("cpu: function %q executed without bindings", cf.name)
	}
	for _, in := range cf.inputs {
		if bindings.Get(in) == nil {
			return errors.Errorf("cpu: function %q input %q is not bound", cf.name, in.Name())
		}
	}
	bindings.Allocate(cf.outputs)
	for _, out := range cf.outputs {
		bindings.Get(out).Zero()
	}
	return nil
}
