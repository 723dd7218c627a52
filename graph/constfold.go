package graph

import (
	"fmt"

	"github.com/emberml/ember/types/tensor"
)

// ConstantFoldingRecord maps each constant produced by folding to the
// recording function that captures the folded subgraph. The record is what
// gets embedded into a serialized model so the fold can be replayed.
type ConstantFoldingRecord map[*Constant]*Function

// Merge inserts all entries of other into r.
func (r ConstantFoldingRecord) Merge(other ConstantFoldingRecord) {
	for c, fn := range other {
		r[c] = fn
	}
}

// ConstantModificationPreventer guards a module's constants against mutation
// by optimization passes: while active, every Constant leaf node is swapped
// for a temporary Placeholder, so passes that would bake data into the graph
// see no constants at all. Deactivating restores the original nodes.
type ConstantModificationPreventer struct {
	module *Module
	active bool

	// constByTemp maps each temporary placeholder back to the constant it
	// stands in for. Restoration walks every function, so uses cloned while
	// the preventer was active (partitioning) are restored too.
	constByTemp map[*Placeholder]*Constant
}

// NewConstantModificationPreventer returns an inactive preventer for m.
func NewConstantModificationPreventer(m *Module) *ConstantModificationPreventer {
	return &ConstantModificationPreventer{module: m}
}

// Activate swaps every Constant leaf in every function for a temporary
// Placeholder.
func (p *ConstantModificationPreventer) Activate() {
	if p.active {
		return
	}
	p.active = true
	p.constByTemp = make(map[*Placeholder]*Constant)
	tempByConstant := make(map[*Constant]*Placeholder)
	for _, fn := range p.module.Functions() {
		for _, n := range fn.Nodes() {
			if n.kind != KindConstant {
				continue
			}
			c := n.storage.(*Constant)
			temp, found := tempByConstant[c]
			if !found {
				temp = p.module.CreatePlaceholder("constmod_"+c.Name(), c.Type())
				tempByConstant[c] = temp
				p.constByTemp[temp] = c
			}
			n.kind = KindPlaceholder
			n.storage = temp
		}
	}
}

// DeactivateAndCleanup restores every use of a temporary placeholder -- in
// any function, including ones created while active -- and drops the
// temporaries.
func (p *ConstantModificationPreventer) DeactivateAndCleanup() {
	if !p.active {
		return
	}
	p.active = false
	for _, fn := range p.module.Functions() {
		for _, n := range fn.Nodes() {
			if n.kind != KindPlaceholder {
				continue
			}
			temp, ok := n.storage.(*Placeholder)
			if !ok {
				continue
			}
			if c, swapped := p.constByTemp[temp]; swapped {
				n.kind = KindConstant
				n.storage = c
			}
		}
	}
	for temp := range p.constByTemp {
		p.module.erasePlaceholder(temp)
	}
	p.constByTemp = nil
}

// Active reports whether the preventer is currently active.
func (p *ConstantModificationPreventer) Active() bool { return p.active }

// ConstantFoldAndRecord folds the maximal constant-only subgraphs of f.
//
// Each frontier node -- a foldable node with at least one non-foldable user --
// is replaced in place by a fresh module Constant, and the folded subgraph is
// captured into a recording function so it can be serialized and replayed.
// The payloads of the new constants are materialized when the recording
// functions execute; here they are allocated zeroed.
//
// The caller is expected to run RunDCE afterwards to sweep the now-dead
// interior of the folded subgraphs.
func ConstantFoldAndRecord(f *Function) (ConstantFoldingRecord, error) {
	if err := f.Verify(); err != nil {
		return nil, err
	}
	foldable := make(map[*Node]bool, len(f.nodes))
	for _, n := range f.nodes {
		if n.kind.HasSideEffect() || n.kind == KindPlaceholder {
			continue
		}
		if n.kind == KindConstant {
			foldable[n] = true
			continue
		}
		if len(n.outs) != 1 {
			continue
		}
		all := len(n.inputs) > 0
		for _, in := range n.inputs {
			if !foldable[in.Node] {
				all = false
				break
			}
		}
		foldable[n] = all
	}

	use := users(f)
	record := make(ConstantFoldingRecord)
	seq := 0
	for _, n := range f.nodes {
		if !foldable[n] || n.kind == KindConstant {
			continue
		}
		frontier := false
		for _, u := range use[n] {
			if !foldable[u] {
				frontier = true
				break
			}
		}
		if !frontier {
			continue
		}

		recName := fmt.Sprintf("%s_constfold_%d", f.name, seq)
		rec := f.module.CreateFunction(recName)
		cloned := make(map[*Node]*Node)
		cloneInto(rec, n, cloned)
		out := f.module.CreatePlaceholder(recName+"_out", n.OutType(0))
		rec.AddSave(recName+"_save", Value(cloned[n]), out)

		folded := f.module.CreateConstant(
			fmt.Sprintf("%s_folded_%d", n.name, seq),
			n.OutType(0),
			tensor.New(n.OutType(0).Elem, n.OutType(0).Dims...))
		n.kind = KindConstant
		n.inputs = nil
		n.storage = folded
		record[folded] = rec
		seq++
	}
	return record, nil
}

// cloneInto recursively copies the subgraph rooted at n into dst.
func cloneInto(dst *Function, n *Node, cloned map[*Node]*Node) *Node {
	if c, found := cloned[n]; found {
		return c
	}
	var c *Node
	switch n.kind {
	case KindConstant:
		c = dst.AddConstantNode(n.name, n.storage.(*Constant))
	default:
		inputs := make([]NodeValue, len(n.inputs))
		for i, in := range n.inputs {
			inputs[i] = NodeValue{Node: cloneInto(dst, in.Node, cloned), ResultIdx: in.ResultIdx}
		}
		c = dst.AddNode(n.name, n.kind, n.outs, inputs...)
	}
	cloned[n] = c
	return c
}

// CleanupConstantFolding erases the recording functions and their output
// placeholders from the module, once serialization (if any) has happened.
func CleanupConstantFolding(m *Module, record ConstantFoldingRecord) {
	for _, rec := range record {
		for _, save := range rec.SaveNodes() {
			if p, ok := save.storage.(*Placeholder); ok {
				m.erasePlaceholder(p)
			}
		}
		m.EraseFunction(rec)
	}
}

// erasePlaceholder removes p from the module registry. Nodes still pointing
// at it keep working; it just stops being allocatable by name.
func (m *Module) erasePlaceholder(p *Placeholder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.placeholders[p.name] == p {
		delete(m.placeholders, p.name)
	}
}
