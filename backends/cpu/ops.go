package cpu

import (
	"github.com/emberml/ember/backends"
	"github.com/emberml/ember/graph"
	"github.com/emberml/ember/types/elem"
)

// Input/output slot indices for the multi-slot kinds the table constrains.
const (
	convInputIdx = 0
	convBiasIdx  = 2

	batchedAddSliceIdx = 1

	maxPoolArgmaxOut = 1
	argMaxResultOut  = 0

	gatherIndicesIdx = 1

	gatherRangesRangesIn   = 1
	gatherRangesLengthsOut = 1

	scatterDataIndicesIdx = 1

	selectCondIdx = 0

	cmpResultOut = 0

	topKIndicesOut = 1

	softMaxSelectedIdx    = 1
	crossEntropyLabelsIdx = 1

	lengthsSumLengthsIdx = 1

	slsIndicesIdx = 1
	slsLengthsIdx = 2

	slwsIndicesIdx = 2
	slwsLengthsIdx = 3

	embeddingBagIndicesIdx = 2
	embeddingBagOffsetsIdx = 3

	sparseToDenseIndicesIdx = 0
)

// IsOpSupported is the fixed support table of the CPU backend: per node kind,
// the legal element-kind combinations. The predicate is total; unknown kinds
// are unsupported.
func (b *Backend) IsOpSupported(ni backends.NodeInfo) bool {
	switch ni.Kind {
	case graph.KindConstant, graph.KindPlaceholder:
		return true

	case graph.KindBatchedReduceMin:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int32I, elem.Int64I}, nil, nil)

	case graph.KindAdd, graph.KindMul:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int32I, elem.Int64I}, nil, nil)

	case graph.KindSub, graph.KindMax, graph.KindMin,
		graph.KindBatchedReduceAdd, graph.KindMatMul, graph.KindAvgPool:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q}, nil, nil)

	case graph.KindAdaptiveAvgPool:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil)

	case graph.KindMaxPool:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q}, nil, []int{maxPoolArgmaxOut}) &&
			ni.OutIs(maxPoolArgmaxOut, elem.Int64I, elem.Int32I)

	case graph.KindArgMax, graph.KindArgMin:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q}, nil, []int{argMaxResultOut}) &&
			ni.OutIs(argMaxResultOut, elem.Int64I, elem.Int32I)

	case graph.KindResizeNearest, graph.KindResizeBilinear:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int32Q, elem.Int32I, elem.Int64I}, nil, nil)

	case graph.KindSave, graph.KindReshape:
		// Implemented via a plain copy.
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int32Q, elem.Int32I, elem.Int64I, elem.Bool},
			nil, nil)

	case graph.KindInsertTensor, graph.KindConcat, graph.KindSplat, graph.KindTouch:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int64I, elem.Int32I, elem.Bool}, nil, nil)

	case graph.KindSlice:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int32Q, elem.Int32I, elem.Int64I}, nil, nil)

	case graph.KindSpaceToDepth, graph.KindDiv:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int64I, elem.Int32I}, nil, nil)

	case graph.KindTranspose:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int64I, elem.Bool}, nil, nil)

	case graph.KindFlip:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int16Q, elem.Int32Q, elem.Int32I, elem.Int64I, elem.Bool},
			nil, nil)

	case graph.KindSparseLengthsSum:
		return ni.AllSameElemKind([]elem.Kind{elem.Float},
			[]int{slsIndicesIdx, slsLengthsIdx}, nil) &&
			ni.InIs(slsIndicesIdx, elem.Int64I, elem.Int32I) &&
			ni.InIs(slsLengthsIdx, elem.Int32I)

	case graph.KindSparseLengthsWeightedSum:
		return ni.AllSameElemKind([]elem.Kind{elem.Float},
			[]int{slwsIndicesIdx, slwsLengthsIdx}, nil) &&
			ni.InIs(slwsIndicesIdx, elem.Int64I, elem.Int32I) &&
			ni.InIs(slwsLengthsIdx, elem.Int32I)

	case graph.KindEmbeddingBag:
		return ni.AllSameElemKind([]elem.Kind{elem.Float},
			[]int{embeddingBagIndicesIdx, embeddingBagOffsetsIdx}, nil) &&
			ni.InIs(embeddingBagIndicesIdx, elem.Int64I) &&
			ni.InIs(embeddingBagOffsetsIdx, elem.Int64I)

	case graph.KindLengthsRangeFill, graph.KindLengthsToRanges:
		return ni.AllSameElemKind([]elem.Kind{elem.Int32I}, nil, nil)

	case graph.KindIntLookupTable, graph.KindRescaleQuantized:
		return ni.AllSameElemKind([]elem.Kind{elem.Int8Q}, nil, nil)

	case graph.KindPow, graph.KindQuantizationProfile,
		graph.KindLocalResponseNormalization,
		graph.KindLog, graph.KindTanh, graph.KindSigmoid, graph.KindExp:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil)

	case graph.KindModulo:
		return ni.AllSameElemKind([]elem.Kind{elem.Int32I, elem.Int64I}, nil, nil)

	case graph.KindConvolution:
		if !ni.InIs(convInputIdx, elem.Int8Q, elem.UInt8Q, elem.Int16Q, elem.Int32Q, elem.UInt8Fused) {
			return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil)
		}
		return ni.AllSameElemKind([]elem.Kind{elem.Int8Q}, []int{convBiasIdx}, nil) &&
			ni.InIs(convBiasIdx, elem.Int8Q, elem.Int32Q)

	case graph.KindConvTranspose:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil)

	case graph.KindBatchedAdd:
		if !ni.InIs(0, elem.Int8Q, elem.UInt8Q, elem.Int16Q, elem.Int32Q, elem.UInt8Fused) {
			return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil)
		}
		return ni.AllSameElemKind([]elem.Kind{elem.Int8Q}, []int{batchedAddSliceIdx}, nil) &&
			ni.InIs(batchedAddSliceIdx, elem.Int8Q, elem.Int32Q)

	case graph.KindGather:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int64I, elem.Int32I},
			[]int{gatherIndicesIdx}, nil) &&
			ni.InIs(gatherIndicesIdx, elem.Int32I, elem.Int64I)

	case graph.KindGatherRanges:
		if !ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int64I, elem.Int32I},
			[]int{gatherRangesRangesIn}, []int{gatherRangesLengthsOut}) {
			return false
		}
		rangesKind, ok := ni.InKind(gatherRangesRangesIn)
		if !ok {
			return false
		}
		return ni.OutIs(gatherRangesLengthsOut, rangesKind) &&
			ni.OutIs(gatherRangesLengthsOut, elem.Int32I, elem.Int64I)

	case graph.KindScatterData:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q},
			[]int{scatterDataIndicesIdx}, nil) &&
			ni.InIs(scatterDataIndicesIdx, elem.Int64I, elem.Int32I)

	case graph.KindSelect:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q, elem.Int32I},
			[]int{selectCondIdx}, nil) &&
			ni.InIs(selectCondIdx, elem.Bool)

	case graph.KindNot, graph.KindAnd, graph.KindOr, graph.KindXor:
		return ni.AllSameElemKind([]elem.Kind{elem.Bool}, nil, nil)

	case graph.KindAbs, graph.KindNeg, graph.KindFloor, graph.KindCeil,
		graph.KindRound, graph.KindSqrt, graph.KindRsqrt,
		graph.KindReciprocal, graph.KindSin, graph.KindCos:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, nil)

	case graph.KindCmpEQ, graph.KindCmpNEQ, graph.KindCmpLT, graph.KindCmpLTE:
		return ni.AllSameElemKind(
			[]elem.Kind{elem.Float, elem.Int8Q, elem.Int32I, elem.Int64I},
			nil, []int{cmpResultOut}) &&
			ni.OutIs(cmpResultOut, elem.Bool)

	case graph.KindIsNaN:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, nil, []int{cmpResultOut}) &&
			ni.OutIs(cmpResultOut, elem.Bool)

	case graph.KindTopK:
		return ni.AllSameElemKind([]elem.Kind{elem.Float, elem.Int8Q},
			nil, []int{topKIndicesOut}) &&
			ni.OutIs(topKIndicesOut, elem.Int64I, elem.Int32I)

	case graph.KindQuantize:
		return ni.InIs(0, elem.Float) &&
			ni.OutIs(0, elem.Int8Q, elem.Int32Q)

	case graph.KindDequantize:
		return ni.InIs(0, elem.Int8Q) &&
			ni.OutIs(0, elem.Float)

	case graph.KindSoftMax:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, []int{softMaxSelectedIdx}, nil) &&
			ni.InIs(softMaxSelectedIdx, elem.Int64I, elem.Int32I)

	case graph.KindCrossEntropyLoss:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, []int{crossEntropyLabelsIdx}, nil) &&
			ni.InIs(crossEntropyLabelsIdx, elem.Int64I, elem.Int32I)

	case graph.KindLengthsSum:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, []int{lengthsSumLengthsIdx}, nil) &&
			ni.InIs(lengthsSumLengthsIdx, elem.Int32I)

	case graph.KindSparseToDense:
		return ni.AllSameElemKind([]elem.Kind{elem.Float}, []int{sparseToDenseIndicesIdx}, nil) &&
			ni.InIs(sparseToDenseIndicesIdx, elem.Int64I, elem.Int32I)

	case graph.KindTraceEvent:
		return ni.InIs(0, elem.Int64I)

	case graph.KindConvertTo:
		in, okIn := ni.InKind(0)
		out, okOut := ni.OutKind(0)
		if !okIn || !okOut {
			return false
		}
		return (in == elem.Int32I && out == elem.Float) ||
			(in == elem.Bool && out == elem.Float) ||
			(in == elem.Int64I && out == elem.Int32I) ||
			(in == elem.Int32I && out == elem.Int64I)

	default:
		return false
	}
}

// ShouldLower refuses lowering for the kinds served by hand-tuned kernels.
func (b *Backend) ShouldLower(n *graph.Node) bool {
	switch n.Kind() {
	case graph.KindConvolution, graph.KindSparseLengthsSum:
		return false
	default:
		return true
	}
}
