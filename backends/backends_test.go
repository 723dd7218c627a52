package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/types/elem"
)

type stubBackend struct{}

func (stubBackend) Name() string                          { return "stub" }
func (stubBackend) IsOpSupported(NodeInfo) bool           { return true }
func (stubBackend) ShouldLower(*graph.Node) bool          { return true }
func (stubBackend) Verify(*graph.Function) bool           { return true }
func (stubBackend) EstimateMemory(*graph.Function) uint64 { return 0 }
func (stubBackend) Compile(*graph.Function, *Options) (CompiledFunction, error) {
	return nil, nil
}

func TestRegistry(t *testing.T) {
	Register("stub", func() Backend { return stubBackend{} })

	b1, err := Get("stub")
	require.NoError(t, err)
	b2, err := Get("stub")
	require.NoError(t, err)
	assert.Equal(t, b1, b2, "Get must return the shared instance")

	_, err = Get("no-such-backend")
	assert.Error(t, err)

	assert.Contains(t, Registered(), "stub")
}

func TestAllSameElemKind(t *testing.T) {
	ni := NodeInfo{
		Kind: graph.KindAdd,
		In:   []elem.Kind{elem.Float, elem.Float},
		Out:  []elem.Kind{elem.Float},
	}
	assert.True(t, ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q}, nil, nil))
	assert.False(t, ni.AllSameElemKind([]elem.Kind{elem.Int8Q}, nil, nil))

	// A mixed slot fails unless ignored.
	mixed := NodeInfo{
		Kind: graph.KindSoftMax,
		In:   []elem.Kind{elem.Float, elem.Int64I},
		Out:  []elem.Kind{elem.Float},
	}
	assert.False(t, mixed.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil))
	assert.True(t, mixed.AllSameElemKind([]elem.Kind{elem.Float}, []int{1}, nil))
	assert.True(t, mixed.InIs(1, elem.Int64I, elem.Int32I))
	assert.False(t, mixed.InIs(5, elem.Int64I))
}

func TestLoadBackendSpecificOpts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opts.yaml")
	require.NoError(t, os.WriteFile(path, []byte("interpreter-memory: \"4096\"\ndump-ir: \"true\"\n"), 0o644))

	opts, err := LoadBackendSpecificOpts(path)
	require.NoError(t, err)
	assert.Equal(t, "4096", opts["interpreter-memory"])
	assert.Equal(t, "true", opts["dump-ir"])

	_, err = LoadBackendSpecificOpts(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
