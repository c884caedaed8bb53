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

// Package autograd models the thin slice of a backward-execution engine that gradient
// synchronization needs to observe: per-parameter gradient-completion events, the
// graph-reachability question ("which parameters will receive gradients for these
// outputs?"), and end-of-backward callbacks.
//
// The actual gradient computation is external. Whoever runs the backward pass is
// expected to call Accumulator.Ready exactly once per parameter per iteration, in
// arbitrary order and possibly from multiple goroutines, and to drain the engine's
// queued callbacks (Engine.FinishBackward) once all gradients are final.
package autograd

import (
	"sync"
)

// Node is a node of the backward graph. Interior nodes list the nodes they consume
// from; Accumulator leaves have no inputs.
type Node interface {
	Inputs() []Node
}

// Hook is a gradient-completion callback. It carries no payload: the registration
// site already knows which parameter it is attached to.
type Hook func()

// Accumulator is the gradient-accumulation leaf node of one parameter. It is the
// attachment point for gradient-completion hooks: when the backward pass finalizes
// the parameter's gradient it calls Ready, which fires every registered hook, on the
// caller's goroutine.
//
// Hooks are registered once, when the synchronizer is constructed, and fire on every
// backward pass thereafter.
type Accumulator struct {
	mu    sync.Mutex
	hooks []Hook
}

// NewAccumulator creates an accumulator leaf with no hooks.
func NewAccumulator() *Accumulator {
	return &Accumulator{}
}

// Inputs implements Node. Accumulators are leaves.
func (a *Accumulator) Inputs() []Node { return nil }

// RegisterHook adds a gradient-completion hook. Hooks fire in registration order.
func (a *Accumulator) RegisterHook(hook Hook) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hooks = append(a.hooks, hook)
}

// Ready fires all registered hooks, synchronously. The backward engine must call it
// at most once per iteration for a given parameter; hooks themselves are the ones
// enforcing that.
func (a *Accumulator) Ready() {
	a.mu.Lock()
	hooks := a.hooks
	a.mu.Unlock()
	for _, hook := range hooks {
		hook()
	}
}

// Op is a minimal interior graph node, enough to express which accumulators are
// reachable from a set of outputs. Conditional model branches are modeled by simply
// not including the corresponding inputs.
type Op struct {
	name   string
	inputs []Node
}

// NewOp creates an interior node consuming from the given inputs.
func NewOp(name string, inputs ...Node) *Op {
	return &Op{name: name, inputs: inputs}
}

// Name of the op, for debugging.
func (op *Op) Name() string { return op.name }

// Inputs implements Node.
func (op *Op) Inputs() []Node { return op.inputs }

// ReachableAccumulators walks the graph backward from outputs and returns every
// Accumulator leaf reachable from them, deduplicated, in visit order. The walk is
// iterative (depth-first) so arbitrarily deep graphs don't recurse.
func ReachableAccumulators(outputs []Node) []*Accumulator {
	var found []*Accumulator
	visited := make(map[Node]bool)
	stack := make([]Node, 0, len(outputs))
	for _, output := range outputs {
		if output != nil && !visited[output] {
			visited[output] = true
			stack = append(stack, output)
		}
	}
	for len(stack) > 0 {
		node := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if acc, ok := node.(*Accumulator); ok {
			found = append(found, acc)
			continue
		}
		for _, input := range node.Inputs() {
			if input != nil && !visited[input] {
				visited[input] = true
				stack = append(stack, input)
			}
		}
	}
	return found
}

// Engine stands in for the backward-execution engine's scheduling surface: a queue of
// callbacks to run after the current backward pass fully completes.
//
// A real engine runs gradient kernels and fires accumulator hooks from its workers;
// here Backward drives a simulated pass for tests and benchmarks. Either way the
// contract holds: all Ready calls of an iteration happen before FinishBackward drains
// the queued callbacks.
type Engine struct {
	mu     sync.Mutex
	queued []func()
}

// NewEngine creates an engine with an empty callback queue.
func NewEngine() *Engine {
	return &Engine{}
}

// QueueCallback schedules fn to run once, after the current backward pass completes.
// It may be called from inside a hook.
func (e *Engine) QueueCallback(fn func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.queued = append(e.queued, fn)
}

// Backward runs a simulated backward pass: it fires Ready on every accumulator
// reachable from outputs, in traversal order, then drains the queued callbacks.
//
// Tests that need a specific completion order fire Accumulator.Ready themselves and
// then call FinishBackward.
func (e *Engine) Backward(outputs ...Node) {
	for _, acc := range ReachableAccumulators(outputs) {
		acc.Ready()
	}
	e.FinishBackward()
}

// FinishBackward runs and clears the queued end-of-backward callbacks, in the order
// they were queued.
func (e *Engine) FinishBackward() {
	e.mu.Lock()
	queued := e.queued
	e.queued = nil
	e.mu.Unlock()
	for _, fn := range queued {
		fn()
	}
}
