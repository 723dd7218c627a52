package graph

// Target-independent passes the host runtime drives before partitioning.
// Backend-specific optimization happens inside Backend.Compile and is opaque
// here.

// RunDCE removes nodes that no live node transitively uses. Liveness is
// anchored at side-effecting nodes (Save, QuantizationProfile, TraceEvent).
// It returns the number of removed nodes.
func RunDCE(f *Function) int {
	live := make(map[*Node]bool, len(f.nodes))
	var mark func(n *Node)
	mark = func(n *Node) {
		if live[n] {
			return
		}
		live[n] = true
		for _, in := range n.inputs {
			mark(in.Node)
		}
	}
	for _, n := range f.nodes {
		if n.kind.HasSideEffect() {
			mark(n)
		}
	}
	dead := make(map[*Node]bool)
	for _, n := range f.nodes {
		if !live[n] {
			dead[n] = true
		}
	}
	f.removeNodes(dead)
	return len(dead)
}

// OptimizeBeforeLowering runs the round of target-independent optimization
// that precedes partitioning. It keeps the function semantically identical;
// today that is dead-code elimination plus structural verification.
func OptimizeBeforeLowering(f *Function) error {
	if err := f.Verify(); err != nil {
		return err
	}
	RunDCE(f)
	return nil
}

// users returns, for every node of f, the set of nodes consuming it.
func users(f *Function) map[*Node][]*Node {
	u := make(map[*Node][]*Node, len(f.nodes))
	for _, n := range f.nodes {
		for _, in := range n.inputs {
			u[in.Node] = append(u[in.Node], n)
		}
	}
	return u
}
