// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// The cooperative copy engine: a single goroutine multiplexing queued
// transfers over a small slot table. Reads are issued ahead and may finish
// in any order; writes are issued strictly in ascending block order.

package sgcopy

import (
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sgio"
)

type slotState int

const (
	slotIdle slotState = iota
	slotReadQueued
	slotReadStarted
	slotReadFinished
	slotWriteQueued
	slotWriteStarted
)

// slot is one transfer in flight (or between its read and write halves).
// Slots are created once and reused for many chunks.
type slot struct {
	id       int32
	state    slotState
	blk      int64 // input-relative block index of the chunk
	blocks   int
	valid    int // bytes to hand to the write side
	buf      []byte
	bufOwned bool
	attempts int
	idx      int64 // chunk sequence number; 0 is the first transfer
}

const (
	// Backoff while a finished read waits for its turn on the output.
	orderBackoff = 500 * time.Microsecond
	// Backoff after the driver reported a full queue.
	busyBackoff = time.Millisecond
	// Poll interval while blocked waiting for completions.
	pollIntervalMS = 10
)

type coopEngine struct {
	cfg     Config
	st      *copyState
	in, out asyncChannel
	skip    int64
	seek    int64
	// The output side of an sg device takes whole blocks only; short
	// reads are zero-padded up to a block boundary for it.
	outWholeBlocks bool

	slots       []*slot
	byID        map[int32]*slot
	nextID      int32
	maxInflight int
	outNextBlk  int64
	nextIdx     int64
	shortBlk    int64 // block index of a short read; -1 while none seen
}

func newCoopEngine(cfg Config, st *copyState, in, out *Side) (*coopEngine, error) {
	return newCoopEngineWith(cfg, st, in.channel(cfg), out.channel(cfg), out.Typ == FileTypeSg)
}

func newCoopEngineWith(cfg Config, st *copyState, in, out asyncChannel, outWholeBlocks bool) (*coopEngine, error) {
	e := &coopEngine{
		cfg:            cfg,
		st:             st,
		in:             in,
		out:            out,
		skip:           cfg.Skip,
		seek:           cfg.Seek,
		outWholeBlocks: outWholeBlocks,
		byID:           make(map[int32]*slot),
		maxInflight:    cfg.QueueDepth,
		shortBlk:       -1,
	}

	chunkBytes := cfg.BlockSize * cfg.BlocksPerTransfer
	for i := 0; i < cfg.QueueDepth; i++ {
		s := &slot{}
		if buf := e.in.Buffer(chunkBytes); buf != nil {
			s.buf = buf
		} else {
			buf, err := allocBuffer(chunkBytes, cfg.DirectIO)
			if err != nil {
				e.release()
				return nil, err
			}
			s.buf = buf
			s.bufOwned = true
		}
		e.slots = append(e.slots, s)
	}

	return e, nil
}

func (e *coopEngine) release() {
	for _, s := range e.slots {
		if s.bufOwned {
			freeBuffer(s.buf[:cap(s.buf)], e.cfg.DirectIO)
		}
	}
	e.slots = nil
}

func (e *coopEngine) run() error {
	defer e.release()

	for {
		acted := false

		// Anything outstanding? Poll for completions before deciding.
		if e.started() > 0 {
			got, err := e.collectReady()
			if err != nil {
				return err
			}
			acted = acted || got
		}

		if e.st.stopped() {
			e.dropQueued()
			if e.started() == 0 {
				return nil
			}
		} else {
			// Hand the next in-sequence finished read to the output.
			if s := e.nextWriteCandidate(); s != nil {
				s.state = slotWriteQueued
				acted = true
			}

			// Claim fresh input while slots and window allow.
			for e.active() < e.maxInflight {
				s := e.freeSlot()
				if s == nil {
					break
				}
				blk, n := e.st.claim(e.cfg.BlocksPerTransfer)
				if n == 0 {
					break
				}
				s.state = slotReadQueued
				s.blk = blk
				s.blocks = n
				s.valid = 0
				s.attempts = 0
				s.idx = e.nextIdx
				e.nextIdx++
				acted = true
			}

			submitted, err := e.submitQueued()
			if err != nil {
				e.st.fail(scsi.OutcomeOther, err)
				continue
			}
			acted = acted || submitted
		}

		if acted {
			continue
		}

		// Nothing to do right now: all slots idle means we are done,
		// otherwise wait for a completion or back off on ordering.
		if e.started() == 0 {
			if e.queued() == 0 {
				return nil
			}
			time.Sleep(busyBackoff)
			continue
		}

		if err := e.waitForCompletion(); err != nil {
			return err
		}
	}
}

func (e *coopEngine) started() int {
	n := 0
	for _, s := range e.slots {
		if s.state == slotReadStarted || s.state == slotWriteStarted {
			n++
		}
	}
	return n
}

func (e *coopEngine) queued() int {
	n := 0
	for _, s := range e.slots {
		if s.state == slotReadQueued || s.state == slotWriteQueued {
			n++
		}
	}
	return n
}

func (e *coopEngine) active() int {
	n := 0
	for _, s := range e.slots {
		if s.state != slotIdle {
			n++
		}
	}
	return n
}

func (e *coopEngine) freeSlot() *slot {
	for _, s := range e.slots {
		if s.state == slotIdle {
			return s
		}
	}
	return nil
}

func (e *coopEngine) dropQueued() {
	for _, s := range e.slots {
		if s.state == slotReadQueued || s.state == slotReadFinished || s.state == slotWriteQueued {
			s.state = slotIdle
		}
	}
}

// nextWriteCandidate picks the finished read with the lowest block address,
// but only releases it once it is next in the output sequence. Chunks read
// ahead of a short read are discarded.
func (e *coopEngine) nextWriteCandidate() *slot {
	for {
		var lowest *slot
		for _, s := range e.slots {
			if s.state != slotReadFinished {
				continue
			}
			if lowest == nil || s.blk < lowest.blk {
				lowest = s
			}
		}
		if lowest == nil {
			return nil
		}

		if e.shortBlk >= 0 && lowest.blk > e.shortBlk {
			// Read ahead past the end of input; never needed. The copy
			// stops once the short chunk itself is flushed, so the output
			// sequence does not advance over discarded chunks.
			lowest.state = slotIdle
			continue
		}

		if lowest.blk != e.outNextBlk {
			// Out of sequence; the read that unblocks ordering is still
			// outstanding.
			return nil
		}

		if lowest.valid == 0 {
			// An empty chunk (end of input hit at its first block) is
			// consumed in sequence with nothing to write. Everything
			// before it has flushed, so the copy is done.
			lowest.state = slotIdle
			e.outNextBlk = lowest.blk + int64(lowest.blocks)
			e.st.requestStop()
			continue
		}
		return lowest
	}
}

// submitQueued issues queued operations, writes before reads. Writes go out
// lowest block first, so a write requeued for retry is reissued before any
// later block's write still waiting in another slot.
func (e *coopEngine) submitQueued() (bool, error) {
	acted := false

	for {
		var s *slot
		for _, c := range e.slots {
			if c.state != slotWriteQueued {
				continue
			}
			if s == nil || c.blk < s.blk {
				s = c
			}
		}
		if s == nil {
			break
		}
		busy, err := e.submitOne(s)
		if busy || err != nil {
			return acted, err
		}
		acted = true
	}

	for _, s := range e.slots {
		if s.state != slotReadQueued {
			continue
		}
		busy, err := e.submitOne(s)
		if busy || err != nil {
			return acted, err
		}
		acted = true
	}

	return acted, nil
}

// submitOne issues a single queued operation, shrinking the in-flight
// window when the driver pushes back.
func (e *coopEngine) submitOne(s *slot) (busy bool, err error) {
	write := s.state == slotWriteQueued

	var (
		ch  asyncChannel
		lba int64
		buf []byte
	)
	if write {
		ch = e.out
		lba = e.seek + s.blk
		buf = s.buf[:s.valid]
	} else {
		ch = e.in
		lba = e.skip + s.blk
		buf = s.buf[:s.blocks*e.cfg.BlockSize]
	}

	id := e.nextID
	if serr := ch.Submit(id, write, lba, buf); serr != nil {
		if errors.Is(serr, sgio.ErrBusy) {
			// Shrink the window and let completions drain.
			if e.maxInflight > 1 {
				e.maxInflight--
				log.Debugf("driver busy, shrinking in-flight window to %d", e.maxInflight)
			}
			time.Sleep(busyBackoff)
			return true, nil
		}
		return false, serr
	}

	e.nextID++
	s.id = id
	e.byID[id] = s
	if write {
		s.state = slotWriteStarted
		// A retried write must not move the sequence backward.
		if next := s.blk + int64(s.blocks); next > e.outNextBlk {
			e.outNextBlk = next
		}
	} else {
		s.state = slotReadStarted
	}
	return false, nil
}

// collectReady drains every completion that can be collected without
// blocking.
func (e *coopEngine) collectReady() (bool, error) {
	got := false

	for _, ch := range [2]asyncChannel{e.in, e.out} {
		for ch.Pending() > 0 {
			ready, err := ch.Ready(0)
			if err != nil {
				e.st.fail(scsi.OutcomeOther, err)
				return got, err
			}
			if !ready {
				break
			}

			comp, err := ch.Collect()
			if err != nil {
				e.st.fail(scsi.OutcomeOther, err)
				return got, err
			}
			e.handleCompletion(comp, ch == e.out)
			got = true
		}
	}

	return got, nil
}

// waitForCompletion blocks briefly for the next completion when the engine
// has nothing else to do. The timeout is kept short so stop requests are
// observed promptly.
func (e *coopEngine) waitForCompletion() error {
	for _, ch := range [2]asyncChannel{e.in, e.out} {
		if ch.Pending() == 0 {
			continue
		}
		ready, err := ch.Ready(pollIntervalMS)
		if err != nil {
			e.st.fail(scsi.OutcomeOther, err)
			return err
		}
		if ready {
			return nil
		}
	}
	time.Sleep(orderBackoff)
	return nil
}

func (e *coopEngine) handleCompletion(comp Completion, write bool) {
	s, ok := e.byID[comp.ID]
	if !ok {
		e.st.fail(scsi.OutcomeOther,
			errors.New("completion does not match any in-flight request"))
		return
	}
	delete(e.byID, comp.ID)

	if write {
		e.finishWrite(s, comp)
	} else {
		e.finishRead(s, comp)
	}
}

// retryAllowed applies the retry policy for unit attention / aborted
// command conditions.
func (e *coopEngine) retryAllowed(s *slot) bool {
	if s.attempts > 0 {
		return false
	}
	return s.idx == 0 || !e.cfg.RetryFirstOnly
}

func (e *coopEngine) finishRead(s *slot, comp Completion) {
	bs := e.cfg.BlockSize

	switch comp.Outcome {
	case scsi.OutcomeGood, scsi.OutcomeRecovered:
		if comp.Outcome == scsi.OutcomeRecovered {
			log.Warnf("recovered error reading block %d (%s)", e.skip+s.blk, comp.Sense)
		}
		if comp.DioIncomplete {
			e.st.noteDioIncomplete()
		}

		expect := s.blocks * bs
		bytes := expect - comp.Resid
		if bytes < 0 {
			bytes = 0
		}
		e.st.accountRead(bytes, bs)

		if bytes < expect {
			// Short read: flush the valid prefix, then stop. Blocks read
			// ahead of this point are dropped.
			e.st.noteResid(comp.Resid)
			e.st.noteShortRead()
			e.shortBlk = s.blk
			e.st.exhaustInput()

			if e.outWholeBlocks && bytes%bs != 0 {
				pad := (bytes/bs + 1) * bs
				zeroFill(s.buf[bytes:pad])
				bytes = pad
			}
		}

		s.valid = bytes
		s.state = slotReadFinished

	case scsi.OutcomeUnitAttention, scsi.OutcomeAborted:
		if e.retryAllowed(s) {
			log.Warnf("%s reading block %d, retrying", comp.Outcome, e.skip+s.blk)
			s.attempts++
			s.state = slotReadQueued
			return
		}
		e.st.fail(comp.Outcome, errorFor(comp, "read", e.skip+s.blk))

	case scsi.OutcomeNotReady, scsi.OutcomeMediumHard:
		if e.cfg.CoeMode {
			log.Warnf("%s reading block %d, substituting zeros", comp.Outcome, e.skip+s.blk)
			zeroFill(s.buf[:s.blocks*bs])
			e.st.noteCoeSubstitution()
			e.st.accountRead(s.blocks*bs, bs)
			s.valid = s.blocks * bs
			s.state = slotReadFinished
			return
		}
		e.st.fail(comp.Outcome, errorFor(comp, "read", e.skip+s.blk))

	default:
		e.st.fail(comp.Outcome, errorFor(comp, "read", e.skip+s.blk))
	}
}

func (e *coopEngine) finishWrite(s *slot, comp Completion) {
	bs := e.cfg.BlockSize

	switch comp.Outcome {
	case scsi.OutcomeGood, scsi.OutcomeRecovered:
		if comp.Outcome == scsi.OutcomeRecovered {
			log.Warnf("recovered error writing block %d (%s)", e.seek+s.blk, comp.Sense)
		}
		if comp.DioIncomplete {
			e.st.noteDioIncomplete()
		}

		bytes := s.valid - comp.Resid
		if bytes < 0 {
			bytes = 0
		}
		if comp.Resid > 0 {
			log.Warnf("short write at block %d: %d of %d bytes", e.seek+s.blk, bytes, s.valid)
			e.st.noteResid(comp.Resid)
		}
		e.st.accountWrite(bytes, bs)

	case scsi.OutcomeUnitAttention, scsi.OutcomeAborted:
		if e.retryAllowed(s) {
			log.Warnf("%s writing block %d, retrying", comp.Outcome, e.seek+s.blk)
			s.attempts++
			s.state = slotWriteQueued
			return
		}
		e.st.fail(comp.Outcome, errorFor(comp, "write", e.seek+s.blk))
		return

	case scsi.OutcomeNotReady, scsi.OutcomeMediumHard:
		if e.cfg.CoeMode {
			log.Warnf("%s writing block %d, ignored", comp.Outcome, e.seek+s.blk)
			e.st.noteCoeSubstitution()
			e.st.accountWrite(s.valid, bs)
		} else {
			e.st.fail(comp.Outcome, errorFor(comp, "write", e.seek+s.blk))
			return
		}

	default:
		e.st.fail(comp.Outcome, errorFor(comp, "write", e.seek+s.blk))
		return
	}

	if s.blk == e.shortBlk {
		// The valid prefix of the short read is flushed; stop the copy.
		e.st.requestStop()
	}
	s.state = slotIdle
}

func zeroFill(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// errorFor builds the fatal error for a failed completion.
func errorFor(comp Completion, op string, lba int64) error {
	if comp.Err != nil {
		return fmt.Errorf("%s at block %d: %w", op, lba, comp.Err)
	}
	return fmt.Errorf("%s at block %d failed: %s (%s)", op, lba, comp.Outcome, comp.Sense)
}
