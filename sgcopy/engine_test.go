// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgcopy

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sgio"
)

type fakeReq struct {
	id      int32
	lba     int64
	outcome scsi.Outcome
	resid   int
}

// fakeChannel is an in-memory transfer queue. Reads complete in REVERSE
// submission order so the engine sees out-of-order completion; writes are
// applied to the sink at submit time and their order recorded.
type fakeChannel struct {
	bs   int
	data []byte // read source; nil for a pure write channel
	sink []byte

	writeOrder []int64
	pending    []fakeReq

	// busyCount initial submissions are bounced with ErrBusy.
	busyCount int
	// failOnce maps an LBA to an outcome reported for its first attempt.
	failOnce map[int64]scsi.Outcome
}

func newFakeChannel(bs int, data []byte, sinkBlocks int) *fakeChannel {
	return &fakeChannel{
		bs:       bs,
		data:     data,
		sink:     make([]byte, sinkBlocks*bs),
		failOnce: make(map[int64]scsi.Outcome),
	}
}

func (c *fakeChannel) Submit(id int32, write bool, lba int64, buf []byte) error {
	if c.busyCount > 0 {
		c.busyCount--
		return fmt.Errorf("fake queue full: %w", sgio.ErrBusy)
	}

	req := fakeReq{id: id, lba: lba, outcome: scsi.OutcomeGood}

	if o, ok := c.failOnce[lba]; ok {
		delete(c.failOnce, lba)
		req.outcome = o
		c.pending = append(c.pending, req)
		return nil
	}

	if write {
		c.writeOrder = append(c.writeOrder, lba)
		copy(c.sink[lba*int64(c.bs):], buf)
	} else {
		off := lba * int64(c.bs)
		avail := int64(len(c.data)) - off
		if avail < 0 {
			avail = 0
		}
		if int(avail) < len(buf) {
			req.resid = len(buf) - int(avail)
		}
		copy(buf, c.data[off:off+min64(avail, int64(len(buf)))])
	}

	c.pending = append(c.pending, req)
	return nil
}

func (c *fakeChannel) Ready(timeoutMS int) (bool, error) { return len(c.pending) > 0, nil }
func (c *fakeChannel) Pending() int                      { return len(c.pending) }
func (c *fakeChannel) Buffer(n int) []byte               { return nil }

func (c *fakeChannel) Collect() (Completion, error) {
	if len(c.pending) == 0 {
		return Completion{}, fmt.Errorf("collect on empty fake queue")
	}
	req := c.pending[len(c.pending)-1]
	c.pending = c.pending[:len(c.pending)-1]

	comp := Completion{ID: req.id, Outcome: req.outcome, Resid: req.resid}
	if req.outcome != scsi.OutcomeGood {
		comp.Sense = scsi.SenseInfo{Key: senseKeyFor(req.outcome)}
	}
	return comp, nil
}

func senseKeyFor(o scsi.Outcome) uint8 {
	switch o {
	case scsi.OutcomeUnitAttention:
		return scsi.KEY_UNIT_ATTENTION
	case scsi.OutcomeAborted:
		return scsi.KEY_ABORTED_COMMAND
	case scsi.OutcomeMediumHard:
		return scsi.KEY_MEDIUM_ERROR
	case scsi.OutcomeNotReady:
		return scsi.KEY_NOT_READY
	}
	return 0
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func patternData(blocks, bs int) []byte {
	data := make([]byte, blocks*bs)
	for i := range data {
		data[i] = byte(i*7 + i/bs)
	}
	return data
}

func coopConfig(count int64) Config {
	cfg := DefaultConfig()
	cfg.Concurrency = Cooperative
	cfg.BlockSize = 4
	cfg.BlocksPerTransfer = 2
	cfg.QueueDepth = 4
	cfg.Count = count
	return cfg
}

func runCoop(t *testing.T, cfg Config, in, out *fakeChannel, count int64) Result {
	t.Helper()

	st := newCopyState(count)
	eng, err := newCoopEngineWith(cfg, st, in, out, false)
	require.NoError(t, err)
	require.NoError(t, eng.run())

	var res Result
	st.snapshot(&res)
	return res
}

func TestCoopWriteOrdering(t *testing.T) {
	const count = 16
	cfg := coopConfig(count)

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, count, res.FullIn)
	assert.EqualValues(t, count, res.FullOut)
	assert.Zero(t, res.PartialIn)
	assert.True(t, bytes.Equal(data, out.sink), "output does not match input")

	// Reads completed newest-first, but writes must have been issued in
	// strictly ascending block order.
	require.NotEmpty(t, out.writeOrder)
	for i := 1; i < len(out.writeOrder); i++ {
		assert.Greater(t, out.writeOrder[i], out.writeOrder[i-1],
			"write %d out of order", i)
	}
}

func TestCoopBusyShrinksWindow(t *testing.T) {
	const count = 16
	cfg := coopConfig(count)

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	in.busyCount = 3
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, count, res.FullOut)
	assert.True(t, bytes.Equal(data, out.sink))
}

func TestCoopShortRead(t *testing.T) {
	const count = 16
	cfg := coopConfig(count)

	// Input runs out half a block into block 10.
	avail := 10*cfg.BlockSize + cfg.BlockSize/2
	data := patternData(count, cfg.BlockSize)[:avail]
	in := newFakeChannel(cfg.BlockSize, data, 0)
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, 10, res.FullIn)
	assert.EqualValues(t, 1, res.PartialIn)
	assert.EqualValues(t, 10, res.FullOut)
	assert.EqualValues(t, 1, res.PartialOut)
	assert.True(t, bytes.Equal(data, out.sink[:avail]), "flushed prefix does not match")
}

func TestCoopZeroCount(t *testing.T) {
	cfg := coopConfig(0)

	in := newFakeChannel(cfg.BlockSize, nil, 0)
	out := newFakeChannel(cfg.BlockSize, nil, 1)

	res := runCoop(t, cfg, in, out, 0)

	assert.Equal(t, 0, res.ExitStatus)
	assert.Zero(t, res.FullIn)
	assert.Zero(t, res.FullOut)
	assert.Empty(t, out.writeOrder)
}

func TestCoopUnitAttentionRetriedOnFirstTransfer(t *testing.T) {
	const count = 8
	cfg := coopConfig(count)

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	in.failOnce[0] = scsi.OutcomeUnitAttention
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, count, res.FullOut)
	assert.True(t, bytes.Equal(data, out.sink))
}

func TestCoopUnitAttentionFatalOnLaterTransfer(t *testing.T) {
	const count = 8
	cfg := coopConfig(count) // RetryFirstOnly is the default

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	in.failOnce[4] = scsi.OutcomeUnitAttention
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, scsi.ExitUnitAttention, res.ExitStatus)
	assert.Error(t, res.Err)
}

func TestCoopRetryNotLimitedToFirstTransfer(t *testing.T) {
	const count = 8
	cfg := coopConfig(count)
	cfg.RetryFirstOnly = false

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	in.failOnce[4] = scsi.OutcomeAborted
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, count, res.FullOut)
	assert.True(t, bytes.Equal(data, out.sink))
}

func TestCoopWriteRetryKeepsOrdering(t *testing.T) {
	const count = 8
	cfg := coopConfig(count)
	cfg.RetryFirstOnly = false

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	out := newFakeChannel(cfg.BlockSize, nil, count)
	out.failOnce[2] = scsi.OutcomeUnitAttention

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, count, res.FullOut)
	assert.True(t, bytes.Equal(data, out.sink))

	// The requeued write for block 2 must go out again before the write for
	// block 4, even though block 4's read had long finished.
	assert.Equal(t, []int64{0, 2, 4, 6}, out.writeOrder)
}

func TestCoopMediumErrorFatalWithoutCoe(t *testing.T) {
	const count = 8
	cfg := coopConfig(count)

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	in.failOnce[2] = scsi.OutcomeMediumHard
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, scsi.ExitMediumHard, res.ExitStatus)
	assert.Error(t, res.Err)
}

func TestCoopCoeSubstitutesZeros(t *testing.T) {
	const count = 8
	cfg := coopConfig(count)
	cfg.CoeMode = true

	data := patternData(count, cfg.BlockSize)
	in := newFakeChannel(cfg.BlockSize, data, 0)
	in.failOnce[2] = scsi.OutcomeMediumHard
	out := newFakeChannel(cfg.BlockSize, nil, count)

	res := runCoop(t, cfg, in, out, count)

	assert.Equal(t, 0, res.ExitStatus)
	assert.EqualValues(t, count, res.FullOut)
	assert.EqualValues(t, 1, res.CoeSubstituted)

	// Blocks 2-3 (the failed chunk) read back as zeros, the rest intact.
	bs := cfg.BlockSize
	assert.True(t, bytes.Equal(data[:2*bs], out.sink[:2*bs]))
	assert.Equal(t, make([]byte, 2*bs), out.sink[2*bs:4*bs])
	assert.True(t, bytes.Equal(data[4*bs:], out.sink[4*bs:]))
}
