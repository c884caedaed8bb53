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

// Package reducer synchronizes gradients across data-parallel training processes.
//
// After each model replica computes local gradients, they must be aggregated across
// all participating processes before an optimizer step. To overlap that
// communication with the ongoing backward computation, parameters are grouped into
// fixed buckets: as gradients become ready -- in whatever order the backward engine
// produces them -- they are packed into their bucket's flat buffer, and the instant
// a bucket is complete its collective all-reduce is launched asynchronously, while
// gradients of other buckets are still being computed. One blocking wait at the end
// of the backward pass (FinalizeBackward) drains the outstanding collectives and
// scatters the reduced buffers back into the per-parameter gradient tensors.
//
// Typical usage, once per training iteration:
//
//	reducer.PrepareForBackward(outputs...)
//	engine.Backward(outputs...)       // fires per-parameter readiness hooks
//	// FinalizeBackward ran as an end-of-backward callback; gradients now hold
//	// the values reduced across the whole process group.
//
// Bucket membership is supplied externally (InitializeBuckets) and must be computed
// identically on every process: reduction collectives are matched across processes
// by bucket index.
package reducer

import (
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradsync/autograd"
	"github.com/gomlx/gradsync/comms"
	"github.com/gomlx/gradsync/types/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Parameter is one trainable parameter of one model replica: its gradient tensor,
// filled by the backward engine, and the accumulator node gradient-completion hooks
// attach to.
type Parameter struct {
	// Grad is the gradient slot. Its shape and device are fixed; its contents are
	// overwritten by FinalizeBackward with the globally reduced gradient.
	Grad *tensors.Tensor

	// Accumulator is the parameter's gradient-accumulation node in the backward
	// graph. The Reducer registers its readiness hook on it, once, at construction.
	Accumulator *autograd.Accumulator
}

// Reducer coordinates bucketed gradient reduction for one process of a
// data-parallel group. It owns the buckets, the variable-to-bucket index and all
// per-iteration readiness bookkeeping.
//
// Its methods may be called concurrently with the readiness hooks, which the
// backward engine may fire from multiple goroutines; all shared state is serialized
// under one mutex, kept out of the gradient copies themselves.
type Reducer struct {
	mu sync.Mutex

	// replicas[replicaIndex][variableIndex] are the parameters, one inner list per
	// local model replica, index-aligned across replicas.
	replicas [][]*Parameter

	group  comms.ProcessGroup
	engine *autograd.Engine
	op     comms.ReduceOp

	// accIndex resolves an accumulator back to its (replica, variable) identity,
	// used to find unused parameters in PrepareForBackward.
	accIndex map[*autograd.Accumulator][2]int

	// buckets, ordered; reduction order is bucket order and is identical across
	// all processes.
	buckets []*bucket

	// bucketIndices maps variable index to its location in the bucket structure.
	bucketIndices []bucketIndex

	// Iteration-scoped state.
	expectHooks    bool
	finalizeArmed  bool
	queuedFinalize bool

	// nextBucket advances over contiguously launched buckets; when it reaches
	// len(buckets) every bucket of the iteration has launched. It does not gate
	// launches: a bucket ready out-of-order launches immediately.
	nextBucket int

	// Relative time (in nanoseconds since PrepareForBackward) at which each
	// (replica, variable) gradient became ready; -1 when it has not.
	statsBase     time.Time
	backwardStats [][]int64
}

// Option configures a Reducer on construction.
type Option func(*Reducer)

// WithReduceOp sets the reduction applied across the group. Defaults to
// comms.ReduceSum; use comms.ReduceAvg to average by the total replica count.
func WithReduceOp(op comms.ReduceOp) Option {
	return func(r *Reducer) { r.op = op }
}

// WithEngine attaches the backward engine's callback queue, letting the Reducer run
// FinalizeBackward automatically at the end of every prepared backward pass. Without
// it the caller invokes FinalizeBackward itself.
func WithEngine(engine *autograd.Engine) Option {
	return func(r *Reducer) { r.engine = engine }
}

// New creates a Reducer for the given parameters -- one inner slice per local model
// replica, every replica with the same parameters in the same order -- reducing
// through group.
//
// It registers one readiness hook per parameter on its accumulator; the hooks stay
// registered for the lifetime of the training run and fire on every backward pass.
// Parameters start partitioned one bucket per parameter; call InitializeBuckets to
// install the real partition.
func New(replicas [][]*Parameter, group comms.ProcessGroup, options ...Option) (*Reducer, error) {
	if len(replicas) == 0 || len(replicas[0]) == 0 {
		return nil, errors.New("reducer.New: at least one replica with at least one parameter required")
	}
	numVariables := len(replicas[0])
	for ri, params := range replicas {
		if len(params) != numVariables {
			return nil, errors.Errorf("reducer.New: replica %d has %d parameters, replica 0 has %d -- replicas must have identical composition",
				ri, len(params), numVariables)
		}
		for vi, param := range params {
			if param == nil || param.Grad == nil || !param.Grad.Ok() || param.Accumulator == nil {
				return nil, errors.Errorf("reducer.New: parameter %d of replica %d is incomplete", vi, ri)
			}
			if !param.Grad.Shape().Equal(replicas[0][vi].Grad.Shape()) {
				return nil, errors.Errorf("reducer.New: parameter %d of replica %d has shape %s, replica 0 has %s -- replicas must have identical composition",
					vi, ri, param.Grad.Shape(), replicas[0][vi].Grad.Shape())
			}
		}
	}
	if group == nil {
		return nil, errors.New("reducer.New: process group required")
	}

	r := &Reducer{
		replicas:      replicas,
		group:         group,
		op:            comms.ReduceSum,
		accIndex:      make(map[*autograd.Accumulator][2]int, len(replicas)*numVariables),
		backwardStats: make([][]int64, len(replicas)),
	}
	for _, option := range options {
		option(r)
	}
	for ri := range r.backwardStats {
		r.backwardStats[ri] = make([]int64, numVariables)
		for vi := range r.backwardStats[ri] {
			r.backwardStats[ri][vi] = -1
		}
	}
	for ri, params := range replicas {
		for vi, param := range params {
			r.accIndex[param.Accumulator] = [2]int{ri, vi}
			param.Accumulator.RegisterHook(func() {
				r.markVariableReady(ri, vi)
			})
		}
	}

	// Default partition, one bucket per parameter.
	partition := make([][]int, numVariables)
	for vi := range partition {
		partition[vi] = []int{vi}
	}
	if err := r.InitializeBuckets(partition); err != nil {
		return nil, err
	}
	return r, nil
}

// NumReplicas returns the number of local model replicas.
func (r *Reducer) NumReplicas() int { return len(r.replicas) }

// NumParameters returns the number of parameters per replica.
func (r *Reducer) NumParameters() int { return len(r.replicas[0]) }

// NumBuckets returns the number of buckets of the current partition.
func (r *Reducer) NumBuckets() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}

// BucketBytes returns the memory of one replica's flat buffer of the given bucket.
func (r *Reducer) BucketBytes(bucketIndex int) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buckets[bucketIndex].replicas[0].contents.Memory()
}

// InitializeBuckets (re-)partitions the parameters into reduction buckets: each
// element of partition lists the variable indices of one bucket, every variable
// appearing exactly once. The same partition is applied to every replica.
//
// Bucket order is reduction order, and every cooperating process must supply the
// identical partition -- derive it from a fixed parameter numbering, never from
// runtime discovery order.
//
// It fails if called while an iteration is in flight, and on invalid partitions
// (out-of-range or repeated indices, uncovered parameters, mixed dtype or device
// within a bucket); on failure the previous partition stays untouched.
func (r *Reducer) InitializeBuckets(partition [][]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.expectHooks {
		return errors.New("reducer: InitializeBuckets called during a backward pass -- finalize the iteration first")
	}
	for _, b := range r.buckets {
		if b.work != nil {
			return errors.New("reducer: InitializeBuckets called with a reduction still in flight")
		}
	}

	numVariables := len(r.replicas[0])
	covered := make([]bool, numVariables)
	newBuckets := make([]*bucket, 0, len(partition))
	newIndices := make([]bucketIndex, numVariables)
	var totalBytes uintptr
	for bi, variables := range partition {
		if len(variables) == 0 {
			return errors.Errorf("reducer: bucket %d of the partition is empty", bi)
		}
		for intra, variable := range variables {
			if variable < 0 || variable >= numVariables {
				return errors.Errorf("reducer: bucket %d refers to parameter %d, out-of-range for %d parameters",
					bi, variable, numVariables)
			}
			if covered[variable] {
				return errors.Errorf("reducer: parameter %d appears in more than one bucket", variable)
			}
			covered[variable] = true
			newIndices[variable] = bucketIndex{bucketIndex: bi, intraBucketIndex: intra}
		}
		b := &bucket{pending: len(r.replicas)}
		for ri, params := range r.replicas {
			br, err := newBucketReplica(params, variables)
			if err != nil {
				return errors.WithMessagef(err, "reducer: bucket %d, replica %d", bi, ri)
			}
			b.replicas = append(b.replicas, br)
			totalBytes += br.contents.Memory()
		}
		newBuckets = append(newBuckets, b)
	}
	for variable, ok := range covered {
		if !ok {
			return errors.Errorf("reducer: parameter %d is not assigned to any bucket", variable)
		}
	}

	r.buckets = newBuckets
	r.bucketIndices = newIndices
	r.nextBucket = 0
	klog.V(1).Infof("reducer: partitioned %d parameter(s) x %d replica(s) into %d bucket(s), %s of bucket buffers",
		numVariables, len(r.replicas), len(newBuckets), humanize.IBytes(uint64(totalBytes)))
	return nil
}

// PrepareForBackward opens an iteration, to be called after the forward pass
// produced outputs and before running backward on them. It records the base
// timestamp of the readiness timings, arms the end-of-backward finalization
// callback (when an engine is attached), and -- when outputs are given -- walks the
// backward graph to find parameters that will receive no gradient this iteration,
// marking them ready immediately with their current gradient contents so their
// buckets still complete.
//
// With no outputs the graph walk is skipped and every parameter must report
// readiness.
//
// It panics if the previous iteration was never finalized.
func (r *Reducer) PrepareForBackward(outputs ...autograd.Node) {
	var unused [][2]int
	r.mu.Lock()
	if r.expectHooks {
		r.mu.Unlock()
		exceptions.Panicf("reducer: PrepareForBackward called while the previous backward pass is still open (missing FinalizeBackward?)")
	}
	r.expectHooks = true
	r.statsBase = time.Now()
	for ri := range r.backwardStats {
		for vi := range r.backwardStats[ri] {
			r.backwardStats[ri][vi] = -1
		}
	}
	r.finalizeArmed = r.engine != nil
	r.queuedFinalize = false
	if len(outputs) > 0 {
		reachable := make(map[*autograd.Accumulator]bool)
		for _, acc := range autograd.ReachableAccumulators(outputs) {
			reachable[acc] = true
		}
		for acc, loc := range r.accIndex {
			if !reachable[acc] {
				unused = append(unused, loc)
			}
		}
	}
	r.mu.Unlock()

	if len(unused) > 0 {
		klog.V(2).Infof("reducer: %d parameter(s) unreachable from the given outputs, marked ready upfront", len(unused))
		for _, idx := range unused {
			r.markVariableReady(idx[0], idx[1])
		}
	}
}

// markVariableReady records that the gradient of one (replica, variable) is final
// for this iteration: it copies the gradient into the bucket replica's flat buffer
// and, when this completes the whole bucket, launches the bucket's reduction.
//
// It is the readiness hook registered on every accumulator, and may be invoked from
// any goroutine of the backward engine. It panics on protocol misuse: firing outside
// a backward pass, or twice for the same variable in one iteration.
func (r *Reducer) markVariableReady(replicaIndex, variableIndex int) {
	r.mu.Lock()
	if !r.expectHooks {
		r.mu.Unlock()
		exceptions.Panicf("reducer: gradient readiness reported for parameter %d of replica %d outside a backward pass -- hooks fired without PrepareForBackward, or after finalization",
			variableIndex, replicaIndex)
	}
	loc := r.bucketIndices[variableIndex]
	b := r.buckets[loc.bucketIndex]
	br := b.replicas[replicaIndex]
	if br.ready[loc.intraBucketIndex] {
		r.mu.Unlock()
		exceptions.Panicf("reducer: gradient readiness reported twice in one iteration for parameter %d of replica %d -- the parameter received more than the one declared gradient contribution",
			variableIndex, replicaIndex)
	}
	br.ready[loc.intraBucketIndex] = true
	r.backwardStats[replicaIndex][variableIndex] = time.Since(r.statsBase).Nanoseconds()
	if r.finalizeArmed && !r.queuedFinalize {
		r.queuedFinalize = true
		r.engine.QueueCallback(r.finalizeCallback)
	}
	grad := r.replicas[replicaIndex][variableIndex].Grad
	contents := br.contents
	offset := br.offsets[loc.intraBucketIndex]
	length := br.lengths[loc.intraBucketIndex]
	r.mu.Unlock()

	if grad.Size() != length {
		exceptions.Panicf("reducer: gradient of parameter %d of replica %d has %d element(s), its bucket slot was laid out for %d -- gradient tensors must keep the shape they had when the buckets were built",
			variableIndex, replicaIndex, grad.Size(), length)
	}

	// The copy happens outside the lock: its destination range belongs to this
	// variable alone.
	if err := contents.CopyFlatFrom(grad, offset); err != nil {
		exceptions.Panicf("reducer: cannot pack gradient of parameter %d of replica %d into its bucket: %+v",
			variableIndex, replicaIndex, err)
	}

	r.mu.Lock()
	br.pending--
	launch := false
	if br.pending == 0 {
		b.pending--
		launch = b.pending == 0
	}
	r.mu.Unlock()
	if launch {
		r.markBucketReady(loc.bucketIndex)
	}
}

// markBucketReady launches the asynchronous all-reduce of a complete bucket. Called
// exactly once per bucket per iteration, the instant its last replica completes --
// also when later buckets complete before earlier ones.
func (r *Reducer) markBucketReady(bucketIndex int) {
	b := r.buckets[bucketIndex]
	operands := make([]*tensors.Tensor, len(b.replicas))
	for ri, br := range b.replicas {
		operands[ri] = br.contents
	}
	klog.V(2).Infof("reducer: bucket %d ready, launching all-reduce of %d operand(s) of %d element(s) each",
		bucketIndex, len(operands), b.replicas[0].size())
	work, err := r.group.AllReduce(bucketIndex, operands, r.op)
	if err != nil {
		exceptions.Panicf("reducer: failed to launch all-reduce of bucket %d: %+v", bucketIndex, err)
	}

	r.mu.Lock()
	b.work = work
	for r.nextBucket < len(r.buckets) && r.buckets[r.nextBucket].work != nil {
		r.nextBucket++
	}
	allLaunched := r.nextBucket == len(r.buckets)
	r.mu.Unlock()
	if allLaunched {
		klog.V(2).Infof("reducer: all %d bucket reduction(s) launched", len(r.buckets))
	}
}

// finalizeCallback adapts FinalizeBackward to the engine's callback queue, which has
// no error return.
func (r *Reducer) finalizeCallback() {
	if err := r.FinalizeBackward(); err != nil {
		panic(err)
	}
}

// FinalizeBackward closes the iteration: it waits on every outstanding bucket
// reduction, in bucket order -- the one intentional synchronization point per
// iteration -- scatters each reduced buffer back into its parameters' gradient
// tensors, and resets all readiness bookkeeping for the next iteration.
//
// When an engine is attached it runs automatically after backward; call it directly
// otherwise. It fails if any bucket never became ready ("not all parameters
// received gradients"), identifying the first missing parameter.
func (r *Reducer) FinalizeBackward() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.expectHooks {
		return errors.New("reducer: FinalizeBackward called without a matching PrepareForBackward")
	}

	// Completeness first, so a missing gradient is reported as such and not as a
	// hang waiting on a reduction that will never launch.
	for bi, b := range r.buckets {
		if b.work == nil {
			detail := r.describeUnreadyLocked(bi)
			r.resetIterationLocked()
			return errors.Errorf("reducer: bucket %d never became ready: %s -- parameters that receive no gradient must be declared via PrepareForBackward(outputs...)",
				bi, detail)
		}
	}

	for bi, b := range r.buckets {
		if err := b.work.Wait(); err != nil {
			r.resetIterationLocked()
			return errors.WithMessagef(err, "reducer: all-reduce of bucket %d failed", bi)
		}
		for ri, br := range b.replicas {
			for intra, variable := range br.variables {
				grad := r.replicas[ri][variable].Grad
				if err := br.contents.CopyFlatTo(grad, br.offsets[intra]); err != nil {
					r.resetIterationLocked()
					return errors.WithMessagef(err, "reducer: cannot unflatten parameter %d of replica %d from bucket %d",
						variable, ri, bi)
				}
			}
		}
	}
	r.resetIterationLocked()
	klog.V(2).Info("reducer: backward pass finalized, gradients reduced")
	return nil
}

// describeUnreadyLocked names the first (replica, variable) of the bucket that never
// reported readiness.
func (r *Reducer) describeUnreadyLocked(bucketIndex int) string {
	b := r.buckets[bucketIndex]
	for ri, br := range b.replicas {
		for intra, variable := range br.variables {
			if !br.ready[intra] {
				return fmt.Sprintf("parameter %d of replica %d did not receive a gradient", variable, ri)
			}
		}
	}
	return "all gradients were received but the reduction did not launch"
}

// resetIterationLocked re-arms every per-iteration counter and flag. Callers must
// hold r.mu.
func (r *Reducer) resetIterationLocked() {
	for _, b := range r.buckets {
		b.resetForIteration()
	}
	r.nextBucket = 0
	r.expectHooks = false
	r.finalizeArmed = false
	r.queuedFinalize = false
}

// BackwardStats returns, per replica and parameter, the relative time in nanoseconds
// at which the gradient became ready in the last (or current) backward pass, with
// respect to the time PrepareForBackward was called; -1 for parameters that never
// reported. Useful to derive a readiness timeline and better bucket assignments; not
// consumed internally.
func (r *Reducer) BackwardStats() [][]int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([][]int64, len(r.backwardStats))
	for ri, replicaStats := range r.backwardStats {
		stats[ri] = append([]int64(nil), replicaStats...)
	}
	return stats
}
