// gradsync_bench drives full data-parallel gradient-synchronization iterations over
// an in-process group: every rank runs a simulated backward pass firing its
// per-parameter readiness hooks in random order, bucketed all-reduces overlap with
// the remaining "computation", and each step ends with the finalization barrier.
//
// It reports the readiness timeline of the last step (the per-parameter timings a
// caller would use to tune bucket assignment) and the bucket layout.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/gradsync/autograd"
	"github.com/gomlx/gradsync/comms"
	"github.com/gomlx/gradsync/reducer"
	"github.com/gomlx/gradsync/types/tensors"
	"github.com/janpfeifer/must"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

var (
	flagWorldSize = flag.Int("world_size", 4, "Number of ranks in the in-process group.")
	flagReplicas  = flag.Int("replicas", 1, "Model replicas per rank.")
	flagParams    = flag.Int("params", 32, "Parameters per model replica.")
	flagMinSize   = flag.Int("min_size", 1<<8, "Minimum parameter size, in elements.")
	flagMaxSize   = flag.Int("max_size", 1<<16, "Maximum parameter size, in elements.")
	flagBucketKiB = flag.Int("bucket_kib", 256, "Target bucket size, in KiB.")
	flagSteps     = flag.Int("steps", 50, "Training steps to run.")
	flagAverage   = flag.Bool("average", false, "Average gradients over the group instead of summing.")
	flagSeed      = flag.Int64("seed", 42, "Random seed.")
)

// rankState is everything one rank owns: its parameters, backward engine and
// reducer.
type rankState struct {
	replicas [][]*reducer.Parameter
	engine   *autograd.Engine
	reducer  *reducer.Reducer
	group    comms.ProcessGroup
	rng      *rand.Rand
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if *flagWorldSize <= 0 || *flagReplicas <= 0 || *flagParams <= 0 || *flagSteps <= 0 {
		klog.Errorf("world_size, replicas, params and steps must all be positive. See 'gradsync_bench -help'.")
		os.Exit(1)
	}

	// Parameter sizes are drawn once, identically on every rank, the same way a
	// model definition is shared by all processes.
	sizesRNG := rand.New(rand.NewSource(*flagSeed))
	sizes := make([]int, *flagParams)
	for i := range sizes {
		sizes[i] = *flagMinSize + sizesRNG.Intn(*flagMaxSize-*flagMinSize+1)
	}
	partition := greedyPartition(sizes, *flagBucketKiB<<10)

	op := comms.ReduceSum
	if *flagAverage {
		op = comms.ReduceAvg
	}
	group := comms.NewLocalGroup(*flagWorldSize)
	states := make([]*rankState, *flagWorldSize)
	for rank := range states {
		states[rank] = newRankState(sizes, group[rank], op, *flagSeed+int64(rank))
		must.M(states[rank].reducer.InitializeBuckets(partition))
	}

	fmt.Printf("%d rank(s) x %d replica(s) x %d parameter(s), %s of gradients per replica, %d bucket(s)\n",
		*flagWorldSize, *flagReplicas, *flagParams,
		humanize.IBytes(uint64(4*sum(sizes))), len(partition))

	bar := progressbar.Default(int64(*flagSteps), "training")
	start := time.Now()
	for step := 0; step < *flagSteps; step++ {
		var grp errgroup.Group
		for _, state := range states {
			grp.Go(state.runStep)
		}
		must.M(grp.Wait())
		must.M(bar.Add(1))
	}
	elapsed := time.Since(start)
	fmt.Printf("\n%d step(s) in %s (%s/step)\n\n", *flagSteps, elapsed, elapsed/time.Duration(*flagSteps))

	reportBuckets(states[0].reducer, partition)
	reportTimeline(states[0].reducer, sizes)
}

// newRankState creates one rank's parameters (gradients filled with rank-dependent
// values), engine and reducer.
func newRankState(sizes []int, group comms.ProcessGroup, op comms.ReduceOp, seed int64) *rankState {
	state := &rankState{
		engine: autograd.NewEngine(),
		group:  group,
		rng:    rand.New(rand.NewSource(seed)),
	}
	state.replicas = make([][]*reducer.Parameter, *flagReplicas)
	for ri := range state.replicas {
		params := make([]*reducer.Parameter, len(sizes))
		for vi, size := range sizes {
			data := make([]float32, size)
			for i := range data {
				data[i] = state.rng.Float32()
			}
			params[vi] = &reducer.Parameter{
				Grad:        tensors.FromFlatDataAndDimensions(data, size).WithDeviceNum(tensors.DeviceNum(ri)),
				Accumulator: autograd.NewAccumulator(),
			}
		}
		state.replicas[ri] = params
	}
	state.reducer = must.M1(reducer.New(state.replicas, group,
		reducer.WithReduceOp(op), reducer.WithEngine(state.engine)))
	return state
}

// runStep simulates one training iteration for one rank: prepare, fire every
// readiness hook in random order, finish backward (which finalizes and
// synchronizes), then a barrier aligning the step boundary across the group.
func (state *rankState) runStep() error {
	outputs := make([]autograd.Node, len(state.replicas))
	for ri, params := range state.replicas {
		inputs := make([]autograd.Node, len(params))
		for vi, param := range params {
			inputs[vi] = param.Accumulator
		}
		outputs[ri] = autograd.NewOp(fmt.Sprintf("loss#%d", ri), inputs...)
	}
	state.reducer.PrepareForBackward(outputs...)

	type ready struct{ replica, variable int }
	order := make([]ready, 0, len(state.replicas)*len(state.replicas[0]))
	for ri, params := range state.replicas {
		for vi := range params {
			order = append(order, ready{ri, vi})
		}
	}
	state.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	for _, next := range order {
		state.replicas[next.replica][next.variable].Accumulator.Ready()
	}
	state.engine.FinishBackward()
	return state.group.Barrier()
}

// greedyPartition packs parameters, in order, into buckets of roughly the given byte
// budget (4-byte elements). A parameter larger than the budget gets its own bucket.
func greedyPartition(sizes []int, budgetBytes int) [][]int {
	var partition [][]int
	var current []int
	currentBytes := 0
	for vi, size := range sizes {
		bytes := 4 * size
		if len(current) > 0 && currentBytes+bytes > budgetBytes {
			partition = append(partition, current)
			current, currentBytes = nil, 0
		}
		current = append(current, vi)
		currentBytes += bytes
	}
	if len(current) > 0 {
		partition = append(partition, current)
	}
	return partition
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)
	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == 1:
				return headerRowStyle
			case row%2 == 0:
				return oddRowStyle
			default:
				return evenRowStyle
			}
		})
}

func reportBuckets(r *reducer.Reducer, partition [][]int) {
	fmt.Println(titleStyle.Render("Buckets"))
	table := newPlainTable()
	table.Row("Bucket", "Parameters", "Buffer")
	for bi := range partition {
		table.Row(
			fmt.Sprintf("%d", bi),
			fmt.Sprintf("%d", len(partition[bi])),
			humanize.IBytes(uint64(r.BucketBytes(bi))))
	}
	fmt.Println(table.Render())
}

// reportTimeline prints rank 0's per-parameter readiness times of the last step.
func reportTimeline(r *reducer.Reducer, sizes []int) {
	fmt.Println(titleStyle.Render("Readiness timeline of last step (rank 0, replica 0)"))
	stats := r.BackwardStats()
	table := newPlainTable()
	table.Row("Parameter", "Size", "Ready after")
	for vi, ns := range stats[0] {
		readyAfter := "never"
		if ns >= 0 {
			readyAfter = time.Duration(ns).String()
		}
		table.Row(
			fmt.Sprintf("%d", vi),
			humanize.IBytes(uint64(4*sizes[vi])),
			readyAfter)
	}
	fmt.Println(table.Render())
}

func sum(values []int) int {
	total := 0
	for _, v := range values {
		total += v
	}
	return total
}
