package comms

import (
	"sync"

	"github.com/gomlx/gradsync/types/shapes"
	"github.com/gomlx/gradsync/types/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// collectiveKind separates the tag spaces of the different collective operations, so
// a Barrier can never be matched against an AllReduce.
type collectiveKind int

const (
	kindAllReduce collectiveKind = iota
	kindBarrier
)

type collectiveKey struct {
	kind collectiveKind
	tag  int
}

// collective is one in-flight collective operation, shared by all ranks of a
// localHub. The first arriving rank defines the expected signature (op and operand
// shapes); later arrivals are validated against it. The reduction spans every operand
// of every rank: with R ranks each contributing N local operands, all R*N tensors are
// reduced together and the result is broadcast into each of them.
type collective struct {
	op     ReduceOp
	shapes []shapes.Shape

	operands [][]*tensors.Tensor // Per rank; nil until the rank arrives.
	arrived  int
	failed   bool
	work     *Work
}

// localHub is the shared state of a LocalGroup: the in-flight collectives of all its
// ranks, matched by tag.
type localHub struct {
	id        string
	worldSize int

	mu      sync.Mutex
	pending map[collectiveKey]*collective
}

// LocalRank is one rank's handle on an in-process group, created by NewLocalGroup.
// It implements ProcessGroup by exchanging tensors through shared memory: the last
// rank to contribute to a collective executes the reduction and broadcasts the
// result into every rank's operands.
//
// It serves single-process multi-replica training and tests; a wire transport across
// machines is a different implementation of the same interface.
type LocalRank struct {
	hub  *localHub
	rank int
}

// Compile-time check.
var _ ProcessGroup = (*LocalRank)(nil)

// NewLocalGroup creates an in-process group with worldSize ranks and returns one
// ProcessGroup handle per rank. The handles share a hub and may be used from
// different goroutines.
func NewLocalGroup(worldSize int) []*LocalRank {
	if worldSize <= 0 {
		worldSize = 1
	}
	hub := &localHub{
		id:        uuid.NewString(),
		worldSize: worldSize,
		pending:   make(map[collectiveKey]*collective),
	}
	klog.V(1).Infof("comms: new local group %s with %d rank(s)", hub.id, worldSize)
	ranks := make([]*LocalRank, worldSize)
	for i := range ranks {
		ranks[i] = &LocalRank{hub: hub, rank: i}
	}
	return ranks
}

// Rank implements ProcessGroup.
func (r *LocalRank) Rank() int { return r.rank }

// WorldSize implements ProcessGroup.
func (r *LocalRank) WorldSize() int { return r.hub.worldSize }

// AllReduce implements ProcessGroup. The error return covers malformed calls by this
// rank; cross-rank disagreements (mismatched shapes or ops under one tag) resolve the
// Work of every participant with an error instead, since the mismatch may only become
// visible when the other side arrives.
func (r *LocalRank) AllReduce(tag int, operands []*tensors.Tensor, op ReduceOp) (*Work, error) {
	if len(operands) == 0 {
		return nil, errors.Errorf("AllReduce(tag=%d) on group %s: no operands", tag, r.hub.id)
	}
	for i, operand := range operands {
		if operand == nil || !operand.Ok() {
			return nil, errors.Errorf("AllReduce(tag=%d) on group %s: operand #%d is invalid",
				tag, r.hub.id, i)
		}
		if !operand.Shape().Equal(operands[0].Shape()) {
			return nil, errors.Errorf("AllReduce(tag=%d) on group %s: operand #%d has shape %s, operand #0 has %s -- all operands are reduced together and must match",
				tag, r.hub.id, i, operand.Shape(), operands[0].Shape())
		}
	}
	return r.hub.join(collectiveKey{kindAllReduce, tag}, r.rank, operands, op)
}

// Barrier implements ProcessGroup: an all-reduce of a throwaway scalar, waited on.
// Every barrier uses the same tag; a collective is only observable as complete after
// its entry is retired, so reuse across successive barriers cannot collide.
func (r *LocalRank) Barrier() error {
	scalar := tensors.FromScalarAndDimensions(int32(1), 1)
	work, err := r.hub.join(collectiveKey{kindBarrier, 0}, r.rank, []*tensors.Tensor{scalar}, ReduceSum)
	if err != nil {
		return err
	}
	return work.Wait()
}

// join adds one rank's contribution to the collective identified by key, creating it
// on first arrival and executing it on last arrival.
func (h *localHub) join(key collectiveKey, rank int, operands []*tensors.Tensor, op ReduceOp) (*Work, error) {
	h.mu.Lock()
	c, found := h.pending[key]
	if !found {
		c = &collective{
			op:       op,
			shapes:   make([]shapes.Shape, len(operands)),
			operands: make([][]*tensors.Tensor, h.worldSize),
			work:     newWork(),
		}
		for i, operand := range operands {
			c.shapes[i] = operand.Shape()
		}
		h.pending[key] = c
	}
	work := c.work
	if c.failed {
		h.mu.Unlock()
		// The poisoning rank completes the work right after flagging the failure;
		// Wait instead of reading the error directly.
		return work, work.Wait()
	}
	if c.operands[rank] != nil {
		h.mu.Unlock()
		return nil, errors.Errorf("rank %d joined collective (kind=%d, tag=%d) twice on group %s",
			rank, key.kind, key.tag, h.id)
	}
	if err := c.validate(rank, operands, op); err != nil {
		// Poison the collective for everyone: a signature disagreement means the
		// ranks are issuing inconsistent sequences of collectives.
		c.failed = true
		h.mu.Unlock()
		err = errors.WithMessagef(err, "collective (kind=%d, tag=%d) on group %s", key.kind, key.tag, h.id)
		work.complete(err)
		return work, err
	}
	c.operands[rank] = operands
	c.arrived++
	complete := c.arrived == h.worldSize
	if complete {
		// Retired before execution, so the tag can be reused by the next iteration:
		// nobody observes this collective as done until execute returns.
		delete(h.pending, key)
	}
	h.mu.Unlock()

	if complete {
		work.complete(c.execute())
	}
	return work, nil
}

// validate checks a new contribution against the collective's signature.
func (c *collective) validate(rank int, operands []*tensors.Tensor, op ReduceOp) error {
	if op != c.op {
		return errors.Errorf("rank %d contributed op %s, previous ranks used %s", rank, op, c.op)
	}
	if len(operands) != len(c.shapes) {
		return errors.Errorf("rank %d contributed %d operand(s), previous ranks contributed %d",
			rank, len(operands), len(c.shapes))
	}
	for i, operand := range operands {
		if !operand.Shape().Equal(c.shapes[i]) {
			return errors.Errorf("rank %d operand #%d has shape %s, previous ranks contributed %s",
				rank, i, operand.Shape(), c.shapes[i])
		}
	}
	return nil
}

// execute reduces all contributions and broadcasts the result. It runs on the
// goroutine of the last arriving rank.
func (c *collective) execute() error {
	// Per-rank partial reduction, one goroutine per rank.
	partials := make([]*tensors.Tensor, len(c.operands))
	var group errgroup.Group
	for rank, rankOperands := range c.operands {
		group.Go(func() error {
			partial, err := reduceTensors(c.op, rankOperands)
			partials[rank] = partial
			return err
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Combine the per-rank partials and, for averaging, divide by the total count of
	// contributing tensors.
	acc, err := reduceTensors(c.op, partials)
	if err != nil {
		return err
	}
	if c.op == ReduceAvg {
		acc.MutableFlatData(func(flat any) {
			err = scaleInvFlat(flat, len(c.operands)*len(c.shapes))
		})
		if err != nil {
			return err
		}
	}

	// Broadcast into every contribution, one goroutine per destination rank.
	var bcast errgroup.Group
	for _, rankOperands := range c.operands {
		bcast.Go(func() error {
			for _, operand := range rankOperands {
				if err := acc.CopyFlatTo(operand, 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return bcast.Wait()
}

// reduceTensors folds the given tensors element-wise into a fresh tensor. Averaging
// accumulates like sum here; the final division is the caller's.
func reduceTensors(op ReduceOp, contributions []*tensors.Tensor) (*tensors.Tensor, error) {
	acc := contributions[0].Clone()
	var err error
	acc.MutableFlatData(func(accFlat any) {
		for _, contribution := range contributions[1:] {
			contribution.ConstFlatData(func(flat any) {
				if err == nil {
					err = combineFlat(op, accFlat, flat)
				}
			})
			if err != nil {
				return
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return acc, nil
}
