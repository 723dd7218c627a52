package runtime

import (
	"encoding/json"
	"os"
	"sort"

	"github.com/pkg/errors"

	"github.com/emberml/ember/graph"
)

// Serialized model shapes. The emitted file carries the partitioned DAG and
// the recorded constant-folding subgraphs, never raw constant data.

type serializedPartition struct {
	Name     string   `json:"name"`
	Backend  string   `json:"backend"`
	Children []string `json:"children,omitempty"`
}

type serializedFold struct {
	Constant string   `json:"constant"`
	Function string   `json:"function"`
	Nodes    []string `json:"nodes"`
}

type serializedModel struct {
	Model           string                `json:"model"`
	Partitions      []serializedPartition `json:"partitions"`
	ConstantFolding []serializedFold      `json:"constantFolding,omitempty"`
}

// SerializeDAG writes the partitioned DAG and its constant-folding record to
// path.
func SerializeDAG(path string, dag *DAG, record graph.ConstantFoldingRecord) error {
	model := serializedModel{Model: dag.Root.Name}
	for _, node := range dag.Nodes {
		p := serializedPartition{Name: node.Name, Backend: node.BackendName}
		for _, child := range node.Children {
			p.Children = append(p.Children, child.Name)
		}
		model.Partitions = append(model.Partitions, p)
	}
	for c, fn := range record {
		fold := serializedFold{Constant: c.Name(), Function: fn.Name()}
		for _, n := range fn.Nodes() {
			fold.Nodes = append(fold.Nodes, n.Name())
		}
		model.ConstantFolding = append(model.ConstantFolding, fold)
	}
	sort.Slice(model.ConstantFolding, func(i, j int) bool {
		return model.ConstantFolding[i].Constant < model.ConstantFolding[j].Constant
	})

	data, err := json.MarshalIndent(&model, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "serializing DAG %q", dag.Root.Name)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing serialized DAG to %s", path)
	}
	return nil
}
