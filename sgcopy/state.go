// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgcopy

import (
	"sync"
	"sync/atomic"

	"github.com/dswarbrick/sgdd/scsi"
)

// copyState is the progress record of one copy operation, shared by every
// worker and by the signal handler. Input-side fields are guarded by inMu,
// output-side fields by outMu; the stop flag is atomic so either side (or
// the signal handler) can observe it without taking a lock.
type copyState struct {
	inMu     sync.Mutex
	inNext   int64 // next unclaimed input block (relative to skip)
	inRemain int64 // input blocks still unclaimed
	fullIn   int64
	partialIn int64

	outMu      sync.Mutex
	outCond    *sync.Cond
	outNext    int64 // next input-relative block expected on the output side
	fullOut    int64
	partialOut int64

	stop atomic.Bool

	resMu         sync.Mutex
	failOutcome   scsi.Outcome
	failErr       error
	failed        bool
	coeSubstituted int64
	dioIncomplete int64
	residSum      int64
	shortRead     bool
}

func newCopyState(count int64) *copyState {
	st := &copyState{inRemain: count}
	st.outCond = sync.NewCond(&st.outMu)
	return st
}

func (st *copyState) stopped() bool {
	return st.stop.Load()
}

// requestStop asks all workers to wind down. Safe from any goroutine,
// including the signal handler.
func (st *copyState) requestStop() {
	st.stop.Store(true)
	st.outCond.Broadcast()
}

// fail records the first fatal outcome and stops the copy.
func (st *copyState) fail(outcome scsi.Outcome, err error) {
	st.resMu.Lock()
	if !st.failed {
		st.failed = true
		st.failOutcome = outcome
		st.failErr = err
	}
	st.resMu.Unlock()
	st.requestStop()
}

// claim reserves up to max contiguous input blocks. Returns the claimed
// block offset (relative to skip) and count; a zero count means the input
// is exhausted or the copy is stopping.
func (st *copyState) claim(max int) (blk int64, n int) {
	st.inMu.Lock()
	defer st.inMu.Unlock()

	if st.stopped() || st.inRemain <= 0 {
		return 0, 0
	}

	n = max
	if int64(n) > st.inRemain {
		n = int(st.inRemain)
	}
	blk = st.inNext
	st.inNext += int64(n)
	st.inRemain -= int64(n)
	return blk, n
}

// exhaustInput marks the input as drained so no further blocks are claimed.
func (st *copyState) exhaustInput() {
	st.inMu.Lock()
	st.inRemain = 0
	st.inMu.Unlock()
}

// accountRead records bytes delivered by one finished read.
func (st *copyState) accountRead(bytes, blockSize int) {
	st.inMu.Lock()
	st.fullIn += int64(bytes / blockSize)
	if bytes%blockSize != 0 {
		st.partialIn++
	}
	st.inMu.Unlock()
}

// accountWrite records bytes accepted by one finished write.
func (st *copyState) accountWrite(bytes, blockSize int) {
	st.outMu.Lock()
	st.fullOut += int64(bytes / blockSize)
	if bytes%blockSize != 0 {
		st.partialOut++
	}
	st.outMu.Unlock()
}

func (st *copyState) noteResid(n int) {
	if n == 0 {
		return
	}
	st.resMu.Lock()
	st.residSum += int64(n)
	st.resMu.Unlock()
}

func (st *copyState) noteDioIncomplete() {
	st.resMu.Lock()
	st.dioIncomplete++
	st.resMu.Unlock()
}

func (st *copyState) noteCoeSubstitution() {
	st.resMu.Lock()
	st.coeSubstituted++
	st.resMu.Unlock()
}

func (st *copyState) noteShortRead() {
	st.resMu.Lock()
	st.shortRead = true
	st.resMu.Unlock()
}

// snapshot copies the counters into a Result under the relevant locks.
func (st *copyState) snapshot(res *Result) {
	st.inMu.Lock()
	res.FullIn = st.fullIn
	res.PartialIn = st.partialIn
	st.inMu.Unlock()

	st.outMu.Lock()
	res.FullOut = st.fullOut
	res.PartialOut = st.partialOut
	st.outMu.Unlock()

	st.resMu.Lock()
	res.DioIncomplete = st.dioIncomplete
	res.ResidSum = st.residSum
	res.CoeSubstituted = st.coeSubstituted
	if st.failed {
		res.ExitStatus = st.failOutcome.ExitStatus()
		res.Err = st.failErr
	}
	st.resMu.Unlock()
}
