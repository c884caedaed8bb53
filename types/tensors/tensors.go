/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

// Package tensors implements a Tensor, a dense host-memory array of one of the
// supported DTypes, tagged with the device it stands for.
//
// Tensors are defined by their shape (a data type and its axes' dimensions) and their
// actual content, always stored as a flat (1D) slice of the corresponding Go type.
//
// There are various ways to construct a Tensor:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero
//     values.
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates
//     a Tensor with the given dimensions, filled with the scalar value given.
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int):
//     creates a Tensor with the given dimensions, and set the flattened values with
//     the given data.
//
// The package also provides the flat-range copies used to pack ("flatten") several
// gradient tensors into one contiguous buffer and scatter ("unflatten") a reduced
// buffer back: see Tensor.CopyFlatFrom and Tensor.CopyFlatTo.
package tensors

import (
	"reflect"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gradsync/types/shapes"
	"github.com/pkg/errors"
)

// DeviceNum identifies the device a tensor stands for, when multiple local devices
// are driven from one process. Tensors on different devices never share a reduction
// bucket.
type DeviceNum int

// Tensor represents a dense array of one of the supported DTypes, backed by host
// memory (a flat Go slice of the corresponding type).
//
// The shape is immutable after creation; the contents are mutated through
// MutableFlatData and the flat-range copy methods, all serialized by an internal
// mutex.
type Tensor struct {
	shape     shapes.Shape
	deviceNum DeviceNum

	// mu protects flat. The shape is considered immutable.
	mu   sync.Mutex
	flat any // Slice of the Go type for the dtype of the shape.
}

// FromShape returns a Tensor with the given shape, with the data initialized with zeros.
func FromShape(shape shapes.Shape) *Tensor {
	if !shape.Ok() {
		panic(errors.New("tensors.FromShape: invalid shape"))
	}
	flatV := reflect.MakeSlice(reflect.SliceOf(shape.DType.GoType()), shape.Size(), shape.Size())
	return &Tensor{
		shape: shape,
		flat:  flatV.Interface(),
	}
}

// FromScalarAndDimensions creates a tensor with the given dimensions, filled with the
// given scalar value replicated everywhere. The DType is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := FromShape(shapes.Make(dtype, dimensions...))
	MutableFlatData(t, func(flat []T) {
		for i := range flat {
			flat[i] = value
		}
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with
// the flattened values given in data. The data is copied to the Tensor. The DType is
// inferred from the data type.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	shape := shapes.Make(dtype, dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("tensors.FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// WithDeviceNum tags the tensor with the device it stands for. It returns the tensor
// itself, so calls can be cascaded.
func (t *Tensor) WithDeviceNum(deviceNum DeviceNum) *Tensor {
	t.deviceNum = deviceNum
	return t
}

// Shape of the tensor, includes the DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor.
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// DeviceNum returns the device this tensor stands for. Defaults to 0.
func (t *Tensor) DeviceNum() DeviceNum { return t.deviceNum }

// Ok returns whether the Tensor is in a valid state.
func (t *Tensor) Ok() bool { return t != nil && t.shape.Ok() && t.flat != nil }

// AssertValid panics if the tensor is nil or invalid.
func (t *Tensor) AssertValid() {
	if t == nil {
		exceptions.Panicf("Tensor is nil")
	}
	if !t.Ok() {
		exceptions.Panicf("Tensor(shape=%s) is in an invalid state", t.shape)
	}
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type
// corresponding to the DType. Even scalar values have a flattened data representation
// of one element. It locks the Tensor until accessFn returns.
//
// This provides accessFn with the actual Tensor data (not a copy), owned by the
// Tensor; it must not be changed. See Tensor.MutableFlatData for a mutable version.
func (t *Tensor) ConstFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data. The
// type of the slice corresponds to the DType of the tensor. The contents of the slice
// can be changed until accessFn returns. During this time the Tensor is locked.
func (t *Tensor) MutableFlatData(accessFn func(flat any)) {
	t.AssertValid()
	t.mu.Lock()
	defer t.mu.Unlock()
	accessFn(t.flat)
}

// ConstFlatData calls accessFn with the flattened data as a slice []T, where T must
// match the tensor's DType.
//
// It panics if T is incompatible with the tensor's dtype.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.ConstFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.ConstFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// MutableFlatData calls accessFn with the flattened data as a mutable slice []T,
// where T must match the tensor's DType.
//
// It panics if T is incompatible with the tensor's dtype.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if t.shape.DType != dtypes.FromGenericsType[T]() {
		var v T
		exceptions.Panicf("tensors.MutableFlatData[%T] is incompatible with Tensor's dtype %s",
			v, t.shape.DType)
	}
	t.MutableFlatData(func(anyFlat any) {
		accessFn(anyFlat.([]T))
	})
}

// CopyFlatData returns a copy of the flattened data as a slice []T, where T must
// match the tensor's DType.
func CopyFlatData[T dtypes.Supported](t *Tensor) []T {
	var data []T
	ConstFlatData(t, func(flat []T) {
		data = make([]T, len(flat))
		copy(data, flat)
	})
	return data
}

// Clone returns a deep copy of the tensor, preserving shape and device tag.
func (t *Tensor) Clone() *Tensor {
	clone := FromShape(t.shape.Clone()).WithDeviceNum(t.deviceNum)
	t.ConstFlatData(func(flat any) {
		clone.MutableFlatData(func(cloneFlat any) {
			reflect.Copy(reflect.ValueOf(cloneFlat), reflect.ValueOf(flat))
		})
	})
	return clone
}

// CopyFlatFrom copies the full flat contents of src into t starting at the flat
// position offset -- the "flatten" half of packing several tensors into one
// contiguous buffer. Shapes may differ, but dtypes must match and
// offset+src.Size() must fit in t.
func (t *Tensor) CopyFlatFrom(src *Tensor, offset int) error {
	return flatRangeCopy(src, t, offset, false)
}

// CopyFlatTo copies t's flat range [offset, offset+dst.Size()) into dst, filling it
// completely -- the "unflatten" half, scattering a contiguous buffer back into
// individual tensors.
func (t *Tensor) CopyFlatTo(dst *Tensor, offset int) error {
	return flatRangeCopy(dst, t, offset, true)
}

// flatRangeCopy copies between the whole of the small tensor and the flat range
// [offset, offset+small.Size()) of the large one. Direction is large->small when
// fromLarge is set.
func flatRangeCopy(small, large *Tensor, offset int, fromLarge bool) error {
	small.AssertValid()
	large.AssertValid()
	if small.DType() != large.DType() {
		return errors.Errorf("flat copy with mismatched dtypes: %s and %s", small.DType(), large.DType())
	}
	n := small.Size()
	if offset < 0 || offset+n > large.Size() {
		return errors.Errorf("flat copy range [%d, %d) out-of-bounds for tensor of size %d",
			offset, offset+n, large.Size())
	}
	small.MutableFlatData(func(smallFlat any) {
		large.MutableFlatData(func(largeFlat any) {
			window := reflect.ValueOf(largeFlat).Slice(offset, offset+n)
			if fromLarge {
				reflect.Copy(reflect.ValueOf(smallFlat), window)
			} else {
				reflect.Copy(window, reflect.ValueOf(smallFlat))
			}
		})
	})
	return nil
}

// Equal checks weather t == t2, element-wise, including shape and dtype.
func (t *Tensor) Equal(t2 *Tensor) bool {
	if !t.shape.Equal(t2.shape) {
		return false
	}
	equal := false
	t.ConstFlatData(func(flat any) {
		t2.ConstFlatData(func(flat2 any) {
			equal = reflect.DeepEqual(flat, flat2)
		})
	})
	return equal
}
