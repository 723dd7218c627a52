package graph

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkg/errors"
)

// DumpDAG writes the function as a graphviz dot file. Used by the runtime to
// dump final graphs when an add pipeline fails with dumping enabled.
func (f *Function) DumpDAG(path string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "digraph %q {\n", f.name)
	for _, n := range f.nodes {
		label := fmt.Sprintf("%s\\n%s", n.name, n.kind)
		if n.storage != nil {
			label += fmt.Sprintf("\\n[%s]", n.storage.Name())
		}
		fmt.Fprintf(&b, "  %q [label=%q];\n", n.name, label)
		for _, in := range n.inputs {
			fmt.Fprintf(&b, "  %q -> %q;\n", in.Node.name, n.name)
		}
	}
	b.WriteString("}\n")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return errors.Wrapf(err, "dumping DAG of function %q to %s", f.name, path)
	}
	return nil
}
