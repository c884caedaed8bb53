package comms

import (
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats"
)

// combineFlat applies op element-wise over two flat slices of the same type and
// length: dst = dst (op) src. ReduceAvg accumulates like ReduceSum; the division
// happens once at the end, in scaleInvFlat.
func combineFlat(op ReduceOp, dst, src any) error {
	sum := op == ReduceSum || op == ReduceAvg
	switch dstT := dst.(type) {
	case []float64:
		if sum {
			floats.Add(dstT, src.([]float64))
		} else {
			maxSlices(dstT, src.([]float64))
		}
	case []float32:
		combineSlices(sum, dstT, src.([]float32))
	case []int8:
		combineSlices(sum, dstT, src.([]int8))
	case []int16:
		combineSlices(sum, dstT, src.([]int16))
	case []int32:
		combineSlices(sum, dstT, src.([]int32))
	case []int64:
		combineSlices(sum, dstT, src.([]int64))
	case []uint8:
		combineSlices(sum, dstT, src.([]uint8))
	case []uint16:
		combineSlices(sum, dstT, src.([]uint16))
	case []uint32:
		combineSlices(sum, dstT, src.([]uint32))
	case []uint64:
		combineSlices(sum, dstT, src.([]uint64))
	case []float16.Float16:
		srcT := src.([]float16.Float16)
		for i := range dstT {
			if sum {
				dstT[i] = float16.Fromfloat32(dstT[i].Float32() + srcT[i].Float32())
			} else {
				dstT[i] = float16.Fromfloat32(max(dstT[i].Float32(), srcT[i].Float32()))
			}
		}
	case []bfloat16.BFloat16:
		srcT := src.([]bfloat16.BFloat16)
		for i := range dstT {
			if sum {
				dstT[i] = bfloat16.FromFloat32(dstT[i].Float32() + srcT[i].Float32())
			} else {
				dstT[i] = bfloat16.FromFloat32(max(dstT[i].Float32(), srcT[i].Float32()))
			}
		}
	default:
		return errors.Errorf("reduction not supported for values of type %T", dst)
	}
	return nil
}

// scaleInvFlat divides dst element-wise by count, the averaging step of ReduceAvg.
func scaleInvFlat(dst any, count int) error {
	switch dstT := dst.(type) {
	case []float64:
		floats.Scale(1/float64(count), dstT)
	case []float32:
		divSlices(dstT, float32(count))
	case []int8:
		divSlices(dstT, int8(count))
	case []int16:
		divSlices(dstT, int16(count))
	case []int32:
		divSlices(dstT, int32(count))
	case []int64:
		divSlices(dstT, int64(count))
	case []uint8:
		divSlices(dstT, uint8(count))
	case []uint16:
		divSlices(dstT, uint16(count))
	case []uint32:
		divSlices(dstT, uint32(count))
	case []uint64:
		divSlices(dstT, uint64(count))
	case []float16.Float16:
		for i := range dstT {
			dstT[i] = float16.Fromfloat32(dstT[i].Float32() / float32(count))
		}
	case []bfloat16.BFloat16:
		for i := range dstT {
			dstT[i] = bfloat16.FromFloat32(dstT[i].Float32() / float32(count))
		}
	default:
		return errors.Errorf("averaging not supported for values of type %T", dst)
	}
	return nil
}

func combineSlices[T constraints.Integer | constraints.Float](sum bool, dst, src []T) {
	if sum {
		for i := range dst {
			dst[i] += src[i]
		}
	} else {
		maxSlices(dst, src)
	}
}

func maxSlices[T constraints.Integer | constraints.Float](dst, src []T) {
	for i := range dst {
		dst[i] = max(dst[i], src[i])
	}
}

func divSlices[T constraints.Integer | constraints.Float](dst []T, count T) {
	for i := range dst {
		dst[i] /= count
	}
}
