// Package tensor implements the minimal dense tensor the host runtime moves
// between placeholder bindings and devices. It stores flat little-endian
// bytes; it is not an arithmetic library.
package tensor

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/exceptions"
	"github.com/x448/float16"

	"github.com/emberml/ember/types/elem"
)

// Tensor is a dense, host-resident tensor.
type Tensor struct {
	kind elem.Kind
	dims []int
	data []byte
}

// New returns a zero-initialized tensor of the given element kind and dimensions.
func New(kind elem.Kind, dims ...int) *Tensor {
	size := 1
	for _, d := range dims {
		if d < 0 {
			exceptions.Panicf("tensor.New: negative dimension %d in %v", d, dims)
		}
		size *= d
	}
	return &Tensor{
		kind: kind,
		dims: append([]int(nil), dims...),
		data: make([]byte, size*kind.Size()),
	}
}

// Kind returns the element kind.
func (t *Tensor) Kind() elem.Kind { return t.kind }

// Dims returns the dimensions. The returned slice must not be mutated.
func (t *Tensor) Dims() []int { return t.dims }

// Size returns the number of elements.
func (t *Tensor) Size() int {
	size := 1
	for _, d := range t.dims {
		size *= d
	}
	return size
}

// ByteSize returns the size of the flat data in bytes.
func (t *Tensor) ByteSize() uint64 { return uint64(len(t.data)) }

// Data returns the flat little-endian backing bytes.
func (t *Tensor) Data() []byte { return t.data }

// Zero clears the contents.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	c := New(t.kind, t.dims...)
	copy(c.data, t.data)
	return c
}

// Float32 reads element i of a Float or Float16 tensor.
func (t *Tensor) Float32(i int) float32 {
	switch t.kind {
	case elem.Float:
		return math.Float32frombits(binary.LittleEndian.Uint32(t.data[i*4:]))
	case elem.Float16:
		return float16.Frombits(binary.LittleEndian.Uint16(t.data[i*2:])).Float32()
	}
	exceptions.Panicf("tensor.Float32: kind %s is not a float kind", t.kind)
	return 0
}

// SetFloat32 writes element i of a Float or Float16 tensor.
func (t *Tensor) SetFloat32(i int, v float32) {
	switch t.kind {
	case elem.Float:
		binary.LittleEndian.PutUint32(t.data[i*4:], math.Float32bits(v))
	case elem.Float16:
		binary.LittleEndian.PutUint16(t.data[i*2:], float16.Fromfloat32(v).Bits())
	default:
		exceptions.Panicf("tensor.SetFloat32: kind %s is not a float kind", t.kind)
	}
}

// Int64 reads element i of an index tensor.
func (t *Tensor) Int64(i int) int64 {
	switch t.kind {
	case elem.Int32I:
		return int64(int32(binary.LittleEndian.Uint32(t.data[i*4:])))
	case elem.Int64I:
		return int64(binary.LittleEndian.Uint64(t.data[i*8:]))
	}
	exceptions.Panicf("tensor.Int64: kind %s is not an index kind", t.kind)
	return 0
}

// SetInt64 writes element i of an index tensor.
func (t *Tensor) SetInt64(i int, v int64) {
	switch t.kind {
	case elem.Int32I:
		binary.LittleEndian.PutUint32(t.data[i*4:], uint32(int32(v)))
	case elem.Int64I:
		binary.LittleEndian.PutUint64(t.data[i*8:], uint64(v))
	default:
		exceptions.Panicf("tensor.SetInt64: kind %s is not an index kind", t.kind)
	}
}
