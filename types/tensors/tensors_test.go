package tensors

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/types/shapes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromShape(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2, 3))
	require.True(t, tensor.Ok())
	require.Equal(t, 6, tensor.Size())
	require.Equal(t, dtypes.Float32, tensor.DType())
	ConstFlatData(tensor, func(flat []float32) {
		for _, v := range flat {
			assert.Zero(t, v)
		}
	})
}

func TestFromFlatDataAndDimensions(t *testing.T) {
	tensor := FromFlatDataAndDimensions([]float64{1, 2, 3, 4}, 2, 2)
	require.Equal(t, shapes.Make(dtypes.Float64, 2, 2), tensor.Shape())
	require.Equal(t, []float64{1, 2, 3, 4}, CopyFlatData[float64](tensor))

	err := exceptions.TryCatch[error](func() {
		_ = FromFlatDataAndDimensions([]float64{1, 2, 3}, 2, 2)
	})
	require.Error(t, err)
}

func TestFromScalarAndDimensions(t *testing.T) {
	tensor := FromScalarAndDimensions(int32(7), 3)
	require.Equal(t, []int32{7, 7, 7}, CopyFlatData[int32](tensor))
}

func TestDeviceNum(t *testing.T) {
	tensor := FromShape(shapes.Make(dtypes.Float32, 2)).WithDeviceNum(3)
	require.Equal(t, DeviceNum(3), tensor.DeviceNum())
	require.Equal(t, DeviceNum(3), tensor.Clone().DeviceNum())
}

func TestFlatRangeCopies(t *testing.T) {
	// Pack two tensors into a flat buffer and scatter them back: a faithful
	// round trip, bit-for-bit.
	a := FromFlatDataAndDimensions([]float32{1, 2, 3, 4}, 4)
	b := FromFlatDataAndDimensions([]float32{5, 6}, 2)
	buffer := FromShape(shapes.Make(dtypes.Float32, 6))
	require.NoError(t, buffer.CopyFlatFrom(a, 0))
	require.NoError(t, buffer.CopyFlatFrom(b, 4))
	require.Equal(t, []float32{1, 2, 3, 4, 5, 6}, CopyFlatData[float32](buffer))

	aBack := FromShape(a.Shape())
	bBack := FromShape(b.Shape())
	require.NoError(t, buffer.CopyFlatTo(aBack, 0))
	require.NoError(t, buffer.CopyFlatTo(bBack, 4))
	require.True(t, a.Equal(aBack))
	require.True(t, b.Equal(bBack))

	// Out-of-bounds and dtype mismatches are errors.
	require.Error(t, buffer.CopyFlatFrom(a, 3))
	require.Error(t, buffer.CopyFlatFrom(FromFlatDataAndDimensions([]float64{1}, 1), 0))
	require.Error(t, buffer.CopyFlatTo(aBack, 5))
}

func TestEqual(t *testing.T) {
	a := FromFlatDataAndDimensions([]float32{1, 2}, 2)
	require.True(t, a.Equal(a.Clone()))
	require.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 3}, 2)))
	require.False(t, a.Equal(FromFlatDataAndDimensions([]float32{1, 2}, 2, 1)))
}
