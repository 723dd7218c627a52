// Package graph holds the compiler-facing data model the host runtime
// orchestrates: a Module of named Functions, each a DAG of typed nodes over
// module-level Constants and Placeholders.
//
// The compiler itself (lowering, codegen) is owned by the backends; this
// package only provides the structure those backends compile, plus the few
// module-level passes the runtime drives directly (dead-code elimination,
// constant folding with recording, constant stripping).
//
// Builder methods panic with a stack trace on structural misuse (duplicate
// names, cross-function inputs); see github.com/gomlx/exceptions. Passes that
// can fail on valid input return errors.
package graph

import (
	"sort"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/emberml/ember/types/tensor"
)

// Storage is a module-level tensor slot: a Constant or a Placeholder.
type Storage interface {
	Name() string
	Type() *Type
	storageNode()
}

// Constant is a module-level tensor with a fixed payload.
type Constant struct {
	name    string
	ty      *Type
	payload *tensor.Tensor
}

// Name returns the constant name, unique within the module.
func (c *Constant) Name() string { return c.name }

// Type returns the constant type.
func (c *Constant) Type() *Type { return c.ty }

// Payload returns the backing tensor, or nil after the module was stripped.
func (c *Constant) Payload() *tensor.Tensor { return c.payload }

func (c *Constant) storageNode() {}

// Placeholder is a module-level input/output slot bound per request.
type Placeholder struct {
	name string
	ty   *Type
}

// Name returns the placeholder name, unique within the module.
func (p *Placeholder) Name() string { return p.name }

// Type returns the placeholder type.
func (p *Placeholder) Type() *Type { return p.ty }

func (p *Placeholder) storageNode() {}

// Module is a collection of Functions sharing Constants and Placeholders.
//
// After a module is handed to the host runtime it is shared immutably across
// every network created from its functions; the mutex only guards the
// building phase.
type Module struct {
	mu           sync.Mutex
	functions    []*Function
	functionByNm map[string]*Function
	constants    map[string]*Constant
	placeholders map[string]*Placeholder
	stripped     bool
}

// NewModule returns an empty module.
func NewModule() *Module {
	return &Module{
		functionByNm: make(map[string]*Function),
		constants:    make(map[string]*Constant),
		placeholders: make(map[string]*Placeholder),
	}
}

// CreateFunction adds an empty function with the given name.
func (m *Module) CreateFunction(name string) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.functionByNm[name]; found {
		exceptions.Panicf("graph: module already has a function named %q", name)
	}
	fn := &Function{
		module:   m,
		name:     name,
		nodeByNm: make(map[string]*Node),
	}
	m.functions = append(m.functions, fn)
	m.functionByNm[name] = fn
	return fn
}

// Functions returns the functions in creation order.
func (m *Module) Functions() []*Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Function(nil), m.functions...)
}

// Function returns the function with the given name, or nil.
func (m *Module) Function(name string) *Function {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.functionByNm[name]
}

// EraseFunction removes fn from the module. Unknown functions are ignored.
func (m *Module) EraseFunction(fn *Function) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.functionByNm[fn.name] != fn {
		return
	}
	delete(m.functionByNm, fn.name)
	for i, f := range m.functions {
		if f == fn {
			m.functions = append(m.functions[:i], m.functions[i+1:]...)
			break
		}
	}
}

// CreateConstant adds a constant with the given payload. A nil payload
// allocates a zero tensor of the type.
func (m *Module) CreateConstant(name string, ty *Type, payload *tensor.Tensor) *Constant {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.constants[name]; found {
		exceptions.Panicf("graph: module already has a constant named %q", name)
	}
	if payload == nil {
		payload = tensor.New(ty.Elem, ty.Dims...)
	}
	c := &Constant{name: name, ty: ty, payload: payload}
	m.constants[name] = c
	return c
}

// CreatePlaceholder adds a placeholder slot.
func (m *Module) CreatePlaceholder(name string, ty *Type) *Placeholder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, found := m.placeholders[name]; found {
		exceptions.Panicf("graph: module already has a placeholder named %q", name)
	}
	p := &Placeholder{name: name, ty: ty}
	m.placeholders[name] = p
	return p
}

// Constant returns the constant with the given name, or nil.
func (m *Module) Constant(name string) *Constant {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.constants[name]
}

// Placeholder returns the placeholder with the given name, or nil.
func (m *Module) Placeholder(name string) *Placeholder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.placeholders[name]
}

// Constants returns all constants sorted by name.
func (m *Module) Constants() []*Constant {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.constants))
	for name := range m.constants {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Constant, len(names))
	for i, name := range names {
		out[i] = m.constants[name]
	}
	return out
}

// Placeholders returns all placeholders sorted by name.
func (m *Module) Placeholders() []*Placeholder {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.placeholders))
	for name := range m.placeholders {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]*Placeholder, len(names))
	for i, name := range names {
		out[i] = m.placeholders[name]
	}
	return out
}

// ConstantsByteSize returns the total payload size of all unstripped
// constants.
func (m *Module) ConstantsByteSize() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var total uint64
	for _, c := range m.constants {
		if c.payload != nil {
			total += c.payload.ByteSize()
		}
	}
	return total
}

// Strip releases every constant payload. The module keeps its structure so
// partitions can still be evicted and re-verified, but the tensor contents
// are gone; the devices own the compiled copies.
func (m *Module) Strip() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.constants {
		c.payload = nil
	}
	m.stripped = true
}

// Stripped reports whether Strip was called.
func (m *Module) Stripped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stripped
}

// Function is a named DAG of nodes inside a Module.
//
// Nodes are kept in insertion order, which is a topological order by
// construction: AddNode only accepts inputs that are already part of the
// function.
type Function struct {
	module   *Module
	name     string
	nodes    []*Node
	nodeByNm map[string]*Node
}

// Name returns the function name, unique within the module.
func (f *Function) Name() string { return f.name }

// Module returns the owning module.
func (f *Function) Module() *Module { return f.module }

// Nodes returns the nodes in topological order. The slice must not be mutated.
func (f *Function) Nodes() []*Node { return f.nodes }

// Node returns the node with the given name, or nil.
func (f *Function) Node(name string) *Node { return f.nodeByNm[name] }

// AddNode appends a compute node.
//
// It panics if the name is taken, outs is empty, or any input belongs to a
// different function -- those are builder bugs, not runtime conditions.
func (f *Function) AddNode(name string, kind NodeKind, outs []*Type, inputs ...NodeValue) *Node {
	if kind.IsStorage() || kind == KindSave {
		exceptions.Panicf("graph: AddNode cannot create %s nodes, use the dedicated helpers", kind)
	}
	if len(outs) == 0 {
		exceptions.Panicf("graph: node %q of kind %s needs at least one result type", name, kind)
	}
	f.checkNewNode(name, inputs)
	n := &Node{fn: f, name: name, kind: kind, inputs: inputs, outs: outs}
	f.appendNode(n)
	return n
}

// AddConstantNode appends a leaf node reading module constant c.
func (f *Function) AddConstantNode(name string, c *Constant) *Node {
	f.checkNewNode(name, nil)
	n := &Node{fn: f, name: name, kind: KindConstant, outs: []*Type{c.Type()}, storage: c}
	f.appendNode(n)
	return n
}

// AddPlaceholderNode appends a leaf node reading module placeholder p.
func (f *Function) AddPlaceholderNode(name string, p *Placeholder) *Node {
	f.checkNewNode(name, nil)
	n := &Node{fn: f, name: name, kind: KindPlaceholder, outs: []*Type{p.Type()}, storage: p}
	f.appendNode(n)
	return n
}

// AddSave appends a Save node writing input to placeholder out. Save nodes
// are the function outputs and anchor dead-code elimination.
func (f *Function) AddSave(name string, input NodeValue, out *Placeholder) *Node {
	f.checkNewNode(name, []NodeValue{input})
	n := &Node{fn: f, name: name, kind: KindSave, inputs: []NodeValue{input}, storage: out}
	f.appendNode(n)
	return n
}

func (f *Function) checkNewNode(name string, inputs []NodeValue) {
	if _, found := f.nodeByNm[name]; found {
		exceptions.Panicf("graph: function %q already has a node named %q", f.name, name)
	}
	for i, in := range inputs {
		if in.Node == nil {
			exceptions.Panicf("graph: input #%d of node %q is nil", i, name)
		}
		if in.Node.fn != f {
			exceptions.Panicf("graph: input #%d of node %q belongs to function %q, not %q",
				i, name, in.Node.fn.name, f.name)
		}
		if in.ResultIdx < 0 || in.ResultIdx >= len(in.Node.outs) {
			exceptions.Panicf("graph: input #%d of node %q references result %d of %s with %d results",
				i, name, in.ResultIdx, in.Node, len(in.Node.outs))
		}
	}
}

func (f *Function) appendNode(n *Node) {
	f.nodes = append(f.nodes, n)
	f.nodeByNm[n.name] = n
}

// removeNodes drops the given set from the function, preserving order.
func (f *Function) removeNodes(dead map[*Node]bool) {
	if len(dead) == 0 {
		return
	}
	kept := f.nodes[:0]
	for _, n := range f.nodes {
		if dead[n] {
			delete(f.nodeByNm, n.name)
			continue
		}
		kept = append(kept, n)
	}
	f.nodes = kept
}

// SaveNodes returns the function's Save nodes in order.
func (f *Function) SaveNodes() []*Node {
	var saves []*Node
	for _, n := range f.nodes {
		if n.kind == KindSave {
			saves = append(saves, n)
		}
	}
	return saves
}

// Verify checks structural integrity: every input resolves within the
// function and every Save writes to a placeholder.
func (f *Function) Verify() error {
	for _, n := range f.nodes {
		for i, in := range n.inputs {
			if in.Node.fn != f {
				return errors.Errorf("node %q input #%d crosses function boundary", n.name, i)
			}
		}
		if n.kind == KindSave {
			if _, ok := n.storage.(*Placeholder); !ok {
				return errors.Errorf("save node %q does not write to a placeholder", n.name)
			}
		}
	}
	return nil
}
