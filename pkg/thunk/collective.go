// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package thunk

import (
	"encoding/binary"
	"math"
	"sync"
	"time"

	"github.com/gomlx/gpuexec/pkg/buffers"
	"github.com/gomlx/gpuexec/pkg/device"
	"github.com/gomlx/gpuexec/pkg/support/xsync"
	"github.com/pkg/errors"
)

// DefaultRendezvousTimeout is the time a participant of a Clique waits for the others.
var DefaultRendezvousTimeout = 30 * time.Second

// Clique is a group of participants, each executing on its own device, of collective operations
// within one process.
//
// Participants of one collective operation rendezvous using the RunID of the execution.
type Clique struct {
	size    int
	timeout time.Duration

	mu     sync.Mutex
	rounds map[uint64]*round
}

type round struct {
	contributions [][]float32
	arrived       int
	done          *xsync.LatchWithValue[[]float32]
}

// NewClique creates a clique of the given number of participants.
func NewClique(size int) *Clique {
	return &Clique{
		size:    size,
		timeout: DefaultRendezvousTimeout,
		rounds:  make(map[uint64]*round),
	}
}

// Size returns the number of participants.
func (c *Clique) Size() int { return c.size }

// WithTimeout sets the rendezvous timeout. It returns the clique itself.
func (c *Clique) WithTimeout(timeout time.Duration) *Clique {
	c.timeout = timeout
	return c
}

// allReduce contributes values of the participant rank to the round runID and waits for the sum of all contributions.
func (c *Clique) allReduce(runID uint64, rank int, values []float32) ([]float32, error) {
	if rank < 0 || rank >= c.size {
		return nil, errors.Errorf("rank %d out of range for clique of size %d", rank, c.size)
	}
	c.mu.Lock()
	r, found := c.rounds[runID]
	if !found {
		r = &round{
			contributions: make([][]float32, c.size),
			done:          xsync.NewLatchWithValue[[]float32](),
		}
		c.rounds[runID] = r
	}
	if r.contributions[rank] != nil {
		c.mu.Unlock()
		return nil, errors.Errorf("rank %d contributed twice to run %d", rank, runID)
	}
	r.contributions[rank] = values
	r.arrived++
	if r.arrived == c.size {
		delete(c.rounds, runID)
		sum := make([]float32, len(values))
		for _, contribution := range r.contributions {
			for ii := range min(len(sum), len(contribution)) {
				sum[ii] += contribution[ii]
			}
		}
		r.done.Trigger(sum)
	}
	c.mu.Unlock()

	sum, ok := r.done.WaitTimeout(c.timeout)
	if !ok {
		return nil, errors.Errorf("rank %d timed out after %s waiting for %d participants of run %d", rank, c.timeout, c.size, runID)
	}
	return sum, nil
}

// AllReduceThunk sums float32 buffers across all participants of a Clique.
//
// The data is staged through the host, so the thunk synchronizes its stream and cannot be captured.
type AllReduceThunk struct {
	name     string
	clique   *Clique
	rank     int
	src, dst buffers.Slice
}

// NewAllReduceThunk creates the all-reduce thunk of the participant rank of clique.
func NewAllReduceThunk(name string, clique *Clique, rank int, src, dst buffers.Slice) (*AllReduceThunk, error) {
	if src.Size != dst.Size || src.Size%4 != 0 {
		return nil, errors.Errorf("all-reduce %q: source %s and destination %s must have the same size, a multiple of 4", name, src, dst)
	}
	if rank < 0 || rank >= clique.Size() {
		return nil, errors.Errorf("all-reduce %q: rank %d out of range for clique of size %d", name, rank, clique.Size())
	}
	return &AllReduceThunk{name: name, clique: clique, rank: rank, src: src, dst: dst}, nil
}

// Kind implements Thunk.
func (t *AllReduceThunk) Kind() Kind { return KindCollective }

// Name implements Thunk.
func (t *AllReduceThunk) Name() string { return t.name }

// Capturable implements Thunk.
func (t *AllReduceThunk) Capturable() bool { return false }

// ExecuteOnStream implements Thunk.
func (t *AllReduceThunk) ExecuteOnStream(params *ExecuteParams) error {
	var src, dst device.DeviceMemory
	var err error
	if src, err = params.Buffers.GetSlice(t.src); err != nil {
		return errors.WithMessagef(err, "all-reduce %q source", t.name)
	}
	if dst, err = params.Buffers.GetSlice(t.dst); err != nil {
		return errors.WithMessagef(err, "all-reduce %q destination", t.name)
	}
	hostSrc := make([]byte, t.src.Size)
	if err = params.Stream.MemcpyDeviceToHost(hostSrc, src); err != nil {
		return errors.WithMessagef(err, "all-reduce %q", t.name)
	}
	if err = params.Stream.BlockHostUntilDone(); err != nil {
		return errors.WithMessagef(err, "all-reduce %q waiting for source", t.name)
	}
	sum, err := t.clique.allReduce(params.RunID, t.rank, decodeFloat32s(hostSrc))
	if err != nil {
		return errors.WithMessagef(err, "all-reduce %q", t.name)
	}
	return params.Stream.MemcpyHostToDevice(dst, encodeFloat32s(sum))
}

func decodeFloat32s(data []byte) []float32 {
	values := make([]float32, len(data)/4)
	for ii := range values {
		values[ii] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*ii:]))
	}
	return values
}

func encodeFloat32s(values []float32) []byte {
	data := make([]byte, 4*len(values))
	for ii, v := range values {
		binary.LittleEndian.PutUint32(data[4*ii:], math.Float32bits(v))
	}
	return data
}
