package graph

import (
	"fmt"
	"strings"

	"github.com/emberml/ember/types/elem"
)

// NodeKind enumerates the operations a Function node can carry.
//
// The set is closed: backends publish, per kind, which element-kind
// combinations they can execute, and the partitioner and verifier reason
// about nothing beyond this enumeration.
type NodeKind int

const (
	KindInvalid NodeKind = iota

	// Storage access and output nodes.
	KindConstant
	KindPlaceholder
	KindSave

	// Binary arithmetic.
	KindAdd
	KindMul
	KindSub
	KindDiv
	KindMax
	KindMin
	KindPow
	KindModulo

	// Linear algebra and batched reductions.
	KindMatMul
	KindBatchedAdd
	KindBatchedReduceAdd
	KindBatchedReduceMin

	// Convolution and pooling.
	KindConvolution
	KindConvTranspose
	KindAvgPool
	KindMaxPool
	KindAdaptiveAvgPool

	// Unary math.
	KindLog
	KindExp
	KindTanh
	KindSigmoid
	KindRelu
	KindAbs
	KindNeg
	KindFloor
	KindCeil
	KindRound
	KindSqrt
	KindRsqrt
	KindReciprocal
	KindSin
	KindCos

	// Normalization and loss.
	KindSoftMax
	KindCrossEntropyLoss
	KindLocalResponseNormalization

	// Quantization.
	KindQuantize
	KindDequantize
	KindRescaleQuantized
	KindIntLookupTable
	KindQuantizationProfile

	// Shape and layout.
	KindReshape
	KindTranspose
	KindConcat
	KindSlice
	KindInsertTensor
	KindSplat
	KindTouch
	KindFlip
	KindSpaceToDepth
	KindResizeNearest
	KindResizeBilinear
	KindConvertTo

	// Indexing, selection and comparison.
	KindGather
	KindGatherRanges
	KindScatterData
	KindSelect
	KindCmpEQ
	KindCmpNEQ
	KindCmpLT
	KindCmpLTE
	KindIsNaN
	KindNot
	KindAnd
	KindOr
	KindXor
	KindTopK
	KindArgMax
	KindArgMin

	// Sparse and length-based ops.
	KindSparseLengthsSum
	KindSparseLengthsWeightedSum
	KindEmbeddingBag
	KindLengthsSum
	KindLengthsToRanges
	KindLengthsRangeFill
	KindSparseToDense

	// Instrumentation.
	KindTraceEvent
)

var nodeKindNames = map[NodeKind]string{
	KindInvalid:                    "Invalid",
	KindConstant:                   "Constant",
	KindPlaceholder:                "Placeholder",
	KindSave:                       "Save",
	KindAdd:                        "Add",
	KindMul:                        "Mul",
	KindSub:                        "Sub",
	KindDiv:                        "Div",
	KindMax:                        "Max",
	KindMin:                        "Min",
	KindPow:                        "Pow",
	KindModulo:                     "Modulo",
	KindMatMul:                     "MatMul",
	KindBatchedAdd:                 "BatchedAdd",
	KindBatchedReduceAdd:           "BatchedReduceAdd",
	KindBatchedReduceMin:           "BatchedReduceMin",
	KindConvolution:                "Convolution",
	KindConvTranspose:              "ConvTranspose",
	KindAvgPool:                    "AvgPool",
	KindMaxPool:                    "MaxPool",
	KindAdaptiveAvgPool:            "AdaptiveAvgPool",
	KindLog:                        "Log",
	KindExp:                        "Exp",
	KindTanh:                       "Tanh",
	KindSigmoid:                    "Sigmoid",
	KindRelu:                       "Relu",
	KindAbs:                        "Abs",
	KindNeg:                        "Neg",
	KindFloor:                      "Floor",
	KindCeil:                       "Ceil",
	KindRound:                      "Round",
	KindSqrt:                       "Sqrt",
	KindRsqrt:                      "Rsqrt",
	KindReciprocal:                 "Reciprocal",
	KindSin:                        "Sin",
	KindCos:                        "Cos",
	KindSoftMax:                    "SoftMax",
	KindCrossEntropyLoss:           "CrossEntropyLoss",
	KindLocalResponseNormalization: "LocalResponseNormalization",
	KindQuantize:                   "Quantize",
	KindDequantize:                 "Dequantize",
	KindRescaleQuantized:           "RescaleQuantized",
	KindIntLookupTable:             "IntLookupTable",
	KindQuantizationProfile:        "QuantizationProfile",
	KindReshape:                    "Reshape",
	KindTranspose:                  "Transpose",
	KindConcat:                     "Concat",
	KindSlice:                      "Slice",
	KindInsertTensor:               "InsertTensor",
	KindSplat:                      "Splat",
	KindTouch:                      "Touch",
	KindFlip:                       "Flip",
	KindSpaceToDepth:               "SpaceToDepth",
	KindResizeNearest:              "ResizeNearest",
	KindResizeBilinear:             "ResizeBilinear",
	KindConvertTo:                  "ConvertTo",
	KindGather:                     "Gather",
	KindGatherRanges:               "GatherRanges",
	KindScatterData:                "ScatterData",
	KindSelect:                     "Select",
	KindCmpEQ:                      "CmpEQ",
	KindCmpNEQ:                     "CmpNEQ",
	KindCmpLT:                      "CmpLT",
	KindCmpLTE:                     "CmpLTE",
	KindIsNaN:                      "IsNaN",
	KindNot:                        "Not",
	KindAnd:                        "And",
	KindOr:                         "Or",
	KindXor:                        "Xor",
	KindTopK:                       "TopK",
	KindArgMax:                     "ArgMax",
	KindArgMin:                     "ArgMin",
	KindSparseLengthsSum:           "SparseLengthsSum",
	KindSparseLengthsWeightedSum:   "SparseLengthsWeightedSum",
	KindEmbeddingBag:               "EmbeddingBag",
	KindLengthsSum:                 "LengthsSum",
	KindLengthsToRanges:            "LengthsToRanges",
	KindLengthsRangeFill:           "LengthsRangeFill",
	KindSparseToDense:              "SparseToDense",
	KindTraceEvent:                 "TraceEvent",
}

// String implements fmt.Stringer.
func (k NodeKind) String() string {
	if name, found := nodeKindNames[k]; found {
		return name
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// IsStorage reports whether the kind is a storage-access leaf.
func (k NodeKind) IsStorage() bool {
	return k == KindConstant || k == KindPlaceholder
}

// HasSideEffect reports whether a node of this kind must survive dead-code
// elimination even without users.
func (k NodeKind) HasSideEffect() bool {
	switch k {
	case KindSave, KindQuantizationProfile, KindTraceEvent:
		return true
	}
	return false
}

// Type describes one tensor slot: an element kind plus dimensions.
type Type struct {
	Elem elem.Kind
	Dims []int
}

// NewType returns a Type for the given element kind and dimensions.
func NewType(e elem.Kind, dims ...int) *Type {
	return &Type{Elem: e, Dims: append([]int(nil), dims...)}
}

// Size returns the number of elements.
func (t *Type) Size() int {
	size := 1
	for _, d := range t.Dims {
		size *= d
	}
	return size
}

// ByteSize returns the storage size in bytes.
func (t *Type) ByteSize() uint64 {
	return uint64(t.Size() * t.Elem.Size())
}

// IsQuantized reports whether the element kind is quantized.
func (t *Type) IsQuantized() bool { return t.Elem.IsQuantized() }

// String implements fmt.Stringer.
func (t *Type) String() string {
	dims := make([]string, len(t.Dims))
	for i, d := range t.Dims {
		dims[i] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("%s[%s]", t.Elem, strings.Join(dims, ","))
}

// NodeValue is a reference to one result slot of a Node.
type NodeValue struct {
	Node      *Node
	ResultIdx int
}

// Value returns the reference to result slot 0 of node n.
func Value(n *Node) NodeValue { return NodeValue{Node: n} }

// Type returns the type of the referenced slot.
func (nv NodeValue) Type() *Type { return nv.Node.OutType(nv.ResultIdx) }

// Node is one operation inside a Function.
type Node struct {
	fn     *Function
	name   string
	kind   NodeKind
	inputs []NodeValue
	outs   []*Type

	// storage is set iff kind is KindConstant, KindPlaceholder or KindSave
	// (the save destination).
	storage Storage
}

// Name returns the node name, unique within its Function.
func (n *Node) Name() string { return n.name }

// Kind returns the operation kind.
func (n *Node) Kind() NodeKind { return n.kind }

// Function returns the owning function.
func (n *Node) Function() *Function { return n.fn }

// Inputs returns the input slot references. The slice must not be mutated.
func (n *Node) Inputs() []NodeValue { return n.inputs }

// NumOuts returns the number of result slots.
func (n *Node) NumOuts() int { return len(n.outs) }

// OutType returns the type of result slot i.
func (n *Node) OutType(i int) *Type { return n.outs[i] }

// OutTypes returns all result slot types. The slice must not be mutated.
func (n *Node) OutTypes() []*Type { return n.outs }

// InTypes returns the types of every input slot, in order.
func (n *Node) InTypes() []*Type {
	types := make([]*Type, len(n.inputs))
	for i, in := range n.inputs {
		types[i] = in.Type()
	}
	return types
}

// Storage returns the module storage accessed by a Constant, Placeholder or
// Save node, or nil for compute nodes.
func (n *Node) Storage() Storage { return n.storage }

// String implements fmt.Stringer.
func (n *Node) String() string {
	return fmt.Sprintf("%s(%s)", n.kind, n.name)
}
