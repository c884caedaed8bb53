package comms

import (
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/gradsync/types/shapes"
	"github.com/gomlx/gradsync/types/tensors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestReduceOpString(t *testing.T) {
	assert.Equal(t, "Sum", ReduceSum.String())
	assert.Equal(t, "Avg", ReduceAvg.String())
	assert.Equal(t, "Max", ReduceMax.String())
	assert.Equal(t, "UnknownReduceOp", ReduceOp(17).String())
}

func TestSingleRankAllReduce(t *testing.T) {
	ranks := NewLocalGroup(1)
	require.Len(t, ranks, 1)
	require.Equal(t, 0, ranks[0].Rank())
	require.Equal(t, 1, ranks[0].WorldSize())

	// With one rank and one operand, sum-reduction is the identity.
	operand := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)
	work, err := ranks[0].AllReduce(0, []*tensors.Tensor{operand}, ReduceSum)
	require.NoError(t, err)
	require.NoError(t, work.Wait())
	require.True(t, work.Done())
	require.Equal(t, []float32{1, 2, 3}, tensors.CopyFlatData[float32](operand))
}

func TestMultiRankAllReduce(t *testing.T) {
	const worldSize = 3
	ranks := NewLocalGroup(worldSize)

	operands := make([]*tensors.Tensor, worldSize)
	var wg sync.WaitGroup
	for rank := 0; rank < worldSize; rank++ {
		operands[rank] = tensors.FromFlatDataAndDimensions(
			[]float64{float64(rank + 1), float64(10 * (rank + 1))}, 2)
		wg.Add(1)
		go func() {
			defer wg.Done()
			work, err := ranks[rank].AllReduce(7, []*tensors.Tensor{operands[rank]}, ReduceSum)
			assert.NoError(t, err)
			assert.NoError(t, work.Wait())
		}()
	}
	wg.Wait()

	// 1+2+3 and 10+20+30, broadcast to every rank.
	for rank := 0; rank < worldSize; rank++ {
		require.Equal(t, []float64{6, 60}, tensors.CopyFlatData[float64](operands[rank]))
	}
}

func TestMultiReplicaAllReduce(t *testing.T) {
	// 2 ranks, each contributing 2 local replicas: all 4 tensors reduce together.
	ranks := NewLocalGroup(2)
	mk := func(v float32) *tensors.Tensor {
		return tensors.FromFlatDataAndDimensions([]float32{v, 2 * v}, 2)
	}
	rank0 := []*tensors.Tensor{mk(1), mk(2)}
	rank1 := []*tensors.Tensor{mk(3), mk(4)}

	work0, err := ranks[0].AllReduce(0, rank0, ReduceSum)
	require.NoError(t, err)
	work1, err := ranks[1].AllReduce(0, rank1, ReduceSum)
	require.NoError(t, err)
	require.NoError(t, work0.Wait())
	require.NoError(t, work1.Wait())

	want := []float32{1 + 2 + 3 + 4, 2 * (1 + 2 + 3 + 4)}
	for _, operand := range append(rank0, rank1...) {
		require.Equal(t, want, tensors.CopyFlatData[float32](operand))
	}
}

func TestAllReduceAvg(t *testing.T) {
	ranks := NewLocalGroup(2)
	op0 := tensors.FromFlatDataAndDimensions([]float64{1, 3}, 2)
	op1 := tensors.FromFlatDataAndDimensions([]float64{3, 5}, 2)
	work0, err := ranks[0].AllReduce(0, []*tensors.Tensor{op0}, ReduceAvg)
	require.NoError(t, err)
	_, err = ranks[1].AllReduce(0, []*tensors.Tensor{op1}, ReduceAvg)
	require.NoError(t, err)
	require.NoError(t, work0.Wait())
	require.Equal(t, []float64{2, 4}, tensors.CopyFlatData[float64](op0))
	require.Equal(t, []float64{2, 4}, tensors.CopyFlatData[float64](op1))
}

func TestAllReduceMax(t *testing.T) {
	ranks := NewLocalGroup(2)
	op0 := tensors.FromFlatDataAndDimensions([]int32{1, 9}, 2)
	op1 := tensors.FromFlatDataAndDimensions([]int32{5, 2}, 2)
	work0, err := ranks[0].AllReduce(0, []*tensors.Tensor{op0}, ReduceMax)
	require.NoError(t, err)
	_, err = ranks[1].AllReduce(0, []*tensors.Tensor{op1}, ReduceMax)
	require.NoError(t, err)
	require.NoError(t, work0.Wait())
	require.Equal(t, []int32{5, 9}, tensors.CopyFlatData[int32](op0))
}

func TestAllReduceHalfPrecision(t *testing.T) {
	ranks := NewLocalGroup(2)

	f16 := func(values ...float32) *tensors.Tensor {
		data := make([]float16.Float16, len(values))
		for i, v := range values {
			data[i] = float16.Fromfloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(data, len(values))
	}
	op0, op1 := f16(1, 2), f16(3, 4)
	work0, err := ranks[0].AllReduce(0, []*tensors.Tensor{op0}, ReduceSum)
	require.NoError(t, err)
	_, err = ranks[1].AllReduce(0, []*tensors.Tensor{op1}, ReduceSum)
	require.NoError(t, err)
	require.NoError(t, work0.Wait())
	got := tensors.CopyFlatData[float16.Float16](op0)
	require.Equal(t, float32(4), got[0].Float32())
	require.Equal(t, float32(6), got[1].Float32())

	bf16 := func(values ...float32) *tensors.Tensor {
		data := make([]bfloat16.BFloat16, len(values))
		for i, v := range values {
			data[i] = bfloat16.FromFloat32(v)
		}
		return tensors.FromFlatDataAndDimensions(data, len(values))
	}
	op0, op1 = bf16(1, 2), bf16(3, 4)
	work0, err = ranks[0].AllReduce(1, []*tensors.Tensor{op0}, ReduceSum)
	require.NoError(t, err)
	_, err = ranks[1].AllReduce(1, []*tensors.Tensor{op1}, ReduceSum)
	require.NoError(t, err)
	require.NoError(t, work0.Wait())
	gotBF := tensors.CopyFlatData[bfloat16.BFloat16](op0)
	require.Equal(t, float32(4), gotBF[0].Float32())
	require.Equal(t, float32(6), gotBF[1].Float32())
}

func TestAllReduceTagMatching(t *testing.T) {
	// Ranks issue the same two collectives in opposite local orders; tags pair them
	// up correctly regardless.
	ranks := NewLocalGroup(2)
	a0 := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	b0 := tensors.FromFlatDataAndDimensions([]float32{10, 20}, 2)
	a1 := tensors.FromFlatDataAndDimensions([]float32{2}, 1)
	b1 := tensors.FromFlatDataAndDimensions([]float32{30, 40}, 2)

	workA0, err := ranks[0].AllReduce(0, []*tensors.Tensor{a0}, ReduceSum)
	require.NoError(t, err)
	workB0, err := ranks[0].AllReduce(1, []*tensors.Tensor{b0}, ReduceSum)
	require.NoError(t, err)

	workB1, err := ranks[1].AllReduce(1, []*tensors.Tensor{b1}, ReduceSum)
	require.NoError(t, err)
	workA1, err := ranks[1].AllReduce(0, []*tensors.Tensor{a1}, ReduceSum)
	require.NoError(t, err)

	for _, work := range []*Work{workA0, workA1, workB0, workB1} {
		require.NoError(t, work.Wait())
	}
	require.Equal(t, []float32{3}, tensors.CopyFlatData[float32](a0))
	require.Equal(t, []float32{40, 60}, tensors.CopyFlatData[float32](b0))
	require.Equal(t, []float32{40, 60}, tensors.CopyFlatData[float32](b1))
}

func TestAllReduceSignatureMismatch(t *testing.T) {
	ranks := NewLocalGroup(2)
	op0 := tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2)
	op1 := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3}, 3)

	work0, err := ranks[0].AllReduce(0, []*tensors.Tensor{op0}, ReduceSum)
	require.NoError(t, err)
	require.False(t, work0.Done())

	// Mismatched shape under the same tag poisons the collective for both ranks.
	work1, err := ranks[1].AllReduce(0, []*tensors.Tensor{op1}, ReduceSum)
	require.Error(t, err)
	require.Error(t, work1.Wait())
	require.Error(t, work0.Wait())
}

func TestAllReduceCallErrors(t *testing.T) {
	ranks := NewLocalGroup(1)
	_, err := ranks[0].AllReduce(0, nil, ReduceSum)
	require.Error(t, err)
	_, err = ranks[0].AllReduce(0, []*tensors.Tensor{nil}, ReduceSum)
	require.Error(t, err)

	// Mismatched local operands: they reduce together, so shapes must agree.
	_, err = ranks[0].AllReduce(0, []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions([]float32{1}, 1),
		tensors.FromFlatDataAndDimensions([]float32{1, 2}, 2),
	}, ReduceSum)
	require.Error(t, err)
}

func TestBarrier(t *testing.T) {
	const worldSize = 4
	ranks := NewLocalGroup(worldSize)
	var reached, released int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, rank := range ranks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mu.Lock()
			reached++
			mu.Unlock()
			assert.NoError(t, rank.Barrier())
			mu.Lock()
			released++
			// Nobody passes the barrier before everybody reached it.
			assert.Equal(t, int32(worldSize), reached)
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Equal(t, int32(worldSize), released)

	// Barriers can be reused back-to-back.
	for _, rank := range ranks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, rank.Barrier())
		}()
	}
	wg.Wait()
}

func TestWorkDoneChan(t *testing.T) {
	ranks := NewLocalGroup(2)
	operand := tensors.FromFlatDataAndDimensions([]float32{1}, 1)
	work, err := ranks[0].AllReduce(0, []*tensors.Tensor{operand}, ReduceSum)
	require.NoError(t, err)
	select {
	case <-work.DoneChan():
		t.Fatal("work completed before all ranks contributed")
	case <-time.After(10 * time.Millisecond):
	}
	_, err = ranks[1].AllReduce(0, []*tensors.Tensor{tensors.FromFlatDataAndDimensions([]float32{2}, 1)}, ReduceSum)
	require.NoError(t, err)
	<-work.DoneChan()
	require.NoError(t, work.Wait())
}

func TestUnsupportedDType(t *testing.T) {
	ranks := NewLocalGroup(1)
	boolShape := shapes.Make(dtypes.Bool, 2)
	operands := []*tensors.Tensor{tensors.FromShape(boolShape), tensors.FromShape(boolShape)}
	work, err := ranks[0].AllReduce(0, operands, ReduceSum)
	require.NoError(t, err)
	require.Error(t, work.Wait())
}
