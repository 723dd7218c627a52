package elem

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindString(t *testing.T) {
	assert.Equal(t, "Float", Float.String())
	assert.Equal(t, "Int8Q", Int8Q.String())
	assert.Equal(t, "Kind(99)", Kind(99).String())
}

func TestKindPredicates(t *testing.T) {
	for _, k := range []Kind{Int8Q, UInt8Q, Int16Q, Int32Q, UInt8Fused} {
		assert.True(t, k.IsQuantized(), "%s should be quantized", k)
	}
	for _, k := range []Kind{Float, Float16, BFloat16, Int32I, Int64I, Bool} {
		assert.False(t, k.IsQuantized(), "%s should not be quantized", k)
	}
	assert.True(t, Int32I.IsIndex())
	assert.True(t, Int64I.IsIndex())
	assert.False(t, Int32Q.IsIndex())
}

func TestKindSize(t *testing.T) {
	assert.Equal(t, 4, Float.Size())
	assert.Equal(t, 2, Float16.Size())
	assert.Equal(t, 1, Int8Q.Size())
	assert.Equal(t, 8, Int64I.Size())
	assert.Equal(t, 0, Kind(99).Size())
}
