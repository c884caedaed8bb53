package reducer

import (
	"github.com/gomlx/gradsync/comms"
	"github.com/gomlx/gradsync/types/shapes"
	"github.com/gomlx/gradsync/types/tensors"
	"github.com/pkg/errors"
)

// bucketReplica holds one model replica's share of one bucket: the flat contiguous
// buffer the replica's gradients are packed into before reduction, and the
// per-parameter layout to pack ("flatten") and scatter ("unflatten") them.
//
// All parameters of one bucketReplica share dtype and device, so their gradients can
// live in a single buffer and be reduced in one collective operation.
type bucketReplica struct {
	// contents is the flattened (1 dimensional) buffer of the bucket replica.
	contents *tensors.Tensor

	// variables are the parameter indices contributing to this bucket replica,
	// index-aligned with offsets, lengths and ready.
	variables []int

	// Per-variable offset/length into the flat contents tensor.
	offsets []int
	lengths []int

	// ready records which variables were already copied in this iteration; it is
	// what makes a second readiness report for the same variable detectable.
	ready []bool

	// pending is the number of variables still to be copied in before this bucket
	// replica is complete. Reset to len(variables) every iteration.
	pending int
}

// bucket holds one bucketReplica per model replica. When every replica is complete
// the bucket is ready and its reduction is launched, the returned handle parked on
// work until finalization.
type bucket struct {
	replicas []*bucketReplica

	// pending is the number of replicas still incomplete before this bucket is
	// ready. Reset to len(replicas) every iteration.
	pending int

	// work is the in-flight collective handle, nil outside [launch, finalize).
	work *comms.Work
}

// bucketIndex locates a variable inside the bucket structure: which bucket, and at
// which position within any of its replicas. Bucketing is identical across replicas,
// so no replica index is needed.
type bucketIndex struct {
	bucketIndex      int
	intraBucketIndex int
}

// newBucketReplica lays out the given variables of one replica into a fresh flat
// buffer. It validates the uniformity that lets them share one buffer: a single
// dtype and a single device across the bucket replica.
func newBucketReplica(params []*Parameter, variables []int) (*bucketReplica, error) {
	first := params[variables[0]].Grad
	dtype := first.DType()
	deviceNum := first.DeviceNum()
	br := &bucketReplica{
		variables: append([]int(nil), variables...),
		offsets:   make([]int, len(variables)),
		lengths:   make([]int, len(variables)),
		ready:     make([]bool, len(variables)),
		pending:   len(variables),
	}
	offset := 0
	for i, variable := range variables {
		grad := params[variable].Grad
		if grad.DType() != dtype {
			return nil, errors.Errorf("parameter %d has dtype %s, parameter %d of the same bucket has %s -- buckets must be uniform",
				variable, grad.DType(), variables[0], dtype)
		}
		if grad.DeviceNum() != deviceNum {
			return nil, errors.Errorf("parameter %d is on device %d, parameter %d of the same bucket is on device %d -- buckets must be uniform",
				variable, grad.DeviceNum(), variables[0], deviceNum)
		}
		br.offsets[i] = offset
		br.lengths[i] = grad.Size()
		offset += grad.Size()
	}
	br.contents = tensors.FromShape(shapes.Make(dtype, offset)).WithDeviceNum(deviceNum)
	return br, nil
}

// size returns the number of elements in the bucket replica's flat buffer.
func (br *bucketReplica) size() int { return br.contents.Size() }

// resetForIteration re-arms the per-iteration readiness bookkeeping.
func (b *bucket) resetForIteration() {
	b.pending = len(b.replicas)
	b.work = nil
	for _, br := range b.replicas {
		br.pending = len(br.variables)
		for i := range br.ready {
			br.ready[i] = false
		}
	}
}
