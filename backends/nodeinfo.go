package backends

import (
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/types/elem"
)

// NodeInfo is the projection of a node the support predicates see: the kind
// plus the element kind of every input and output slot.
type NodeInfo struct {
	Kind graph.NodeKind
	In   []elem.Kind
	Out  []elem.Kind
}

// NewNodeInfo projects n into a NodeInfo.
func NewNodeInfo(n *graph.Node) NodeInfo {
	ni := NodeInfo{Kind: n.Kind()}
	for _, t := range n.InTypes() {
		ni.In = append(ni.In, t.Elem)
	}
	for _, t := range n.OutTypes() {
		ni.Out = append(ni.Out, t.Elem)
	}
	return ni
}

// InKind returns the element kind of input slot i. Support tables treat
// missing slots as mismatches, never as panics.
func (ni NodeInfo) InKind(i int) (elem.Kind, bool) {
	if i < 0 || i >= len(ni.In) {
		return 0, false
	}
	return ni.In[i], true
}

// OutKind returns the element kind of output slot i.
func (ni NodeInfo) OutKind(i int) (elem.Kind, bool) {
	if i < 0 || i >= len(ni.Out) {
		return 0, false
	}
	return ni.Out[i], true
}

// InIs reports whether input slot i exists and has one of the given kinds.
func (ni NodeInfo) InIs(i int, kinds ...elem.Kind) bool {
	k, ok := ni.InKind(i)
	if !ok {
		return false
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// OutIs reports whether output slot i exists and has one of the given kinds.
func (ni NodeInfo) OutIs(i int, kinds ...elem.Kind) bool {
	k, ok := ni.OutKind(i)
	if !ok {
		return false
	}
	for _, want := range kinds {
		if k == want {
			return true
		}
	}
	return false
}

// AllSameElemKind reports whether every input and output slot -- except the
// listed ignored slot indices -- carries the same element kind, and that kind
// is one of allowed.
func (ni NodeInfo) AllSameElemKind(allowed []elem.Kind, ignoreIn, ignoreOut []int) bool {
	var common elem.Kind
	first := true
	consider := func(k elem.Kind) bool {
		if first {
			common = k
			first = false
			return true
		}
		return k == common
	}
	for i, k := range ni.In {
		if containsIdx(ignoreIn, i) {
			continue
		}
		if !consider(k) {
			return false
		}
	}
	for i, k := range ni.Out {
		if containsIdx(ignoreOut, i) {
			continue
		}
		if !consider(k) {
			return false
		}
	}
	if first {
		// Every slot was ignored; nothing to constrain.
		return true
	}
	for _, k := range allowed {
		if k == common {
			return true
		}
	}
	return false
}

func containsIdx(idxs []int, i int) bool {
	for _, idx := range idxs {
		if idx == i {
			return true
		}
	}
	return false
}
