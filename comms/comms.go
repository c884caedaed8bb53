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

// Package comms defines the process-group collaborator that performs collective
// reductions across cooperating processes ("ranks"), and an in-process LocalGroup
// implementation of it.
//
// Collectives are asynchronous: AllReduce returns a Work handle immediately, and the
// reduction completes in the background once every rank has contributed. Collectives
// are matched across ranks by an explicit integer tag (the way Gloo tags its
// collectives), not by call order, so ranks may issue the same set of collectives in
// different local orders.
package comms

import (
	"sync"

	"github.com/gomlx/gradsync/types/tensors"
)

// ReduceOp selects the reduction applied element-wise across all contributions.
type ReduceOp int

const (
	// ReduceSum adds contributions element-wise.
	ReduceSum ReduceOp = iota

	// ReduceAvg adds contributions element-wise and divides by the total number of
	// contributing tensors (ranks times local operands).
	ReduceAvg

	// ReduceMax takes the element-wise maximum.
	ReduceMax
)

// String implements fmt.Stringer.
func (op ReduceOp) String() string {
	switch op {
	case ReduceSum:
		return "Sum"
	case ReduceAvg:
		return "Avg"
	case ReduceMax:
		return "Max"
	}
	return "UnknownReduceOp"
}

// Work is the handle of one asynchronous collective operation. It is completed
// exactly once by the group, with or without an error, and can be waited on by any
// number of goroutines.
type Work struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newWork() *Work {
	return &Work{done: make(chan struct{})}
}

// complete resolves the work. Subsequent calls are no-ops.
func (w *Work) complete(err error) {
	w.once.Do(func() {
		w.err = err
		close(w.done)
	})
}

// Wait blocks until the collective completes and returns its error, if any.
func (w *Work) Wait() error {
	<-w.done
	return w.err
}

// Done reports whether the collective already completed, without blocking.
func (w *Work) Done() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// DoneChan returns a channel closed when the collective completes, for use in
// select statements.
func (w *Work) DoneChan() <-chan struct{} {
	return w.done
}

// ProcessGroup is one rank's view of a group of cooperating processes.
//
// AllReduce takes one operand tensor per local model replica: the group reduces
// element-wise across every operand of every rank and broadcasts the result back into
// each operand, in place. Every rank must issue a collective with the same tag,
// matching operand shapes and the same op; the set of tags issued must agree across
// ranks, but the order in which each rank issues them is free.
type ProcessGroup interface {
	// Rank of this process within the group, in [0, WorldSize).
	Rank() int

	// WorldSize is the number of ranks in the group.
	WorldSize() int

	// AllReduce starts an asynchronous element-wise reduction of operands across all
	// ranks, matched by tag. The returned Work completes once every rank contributed
	// and the reduced values were written back into each rank's operands.
	AllReduce(tag int, operands []*tensors.Tensor, op ReduceOp) (*Work, error)

	// Barrier blocks until every rank reached it.
	Barrier() error
}
