// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// The thread pool copy engine: a fixed set of worker goroutines, each with
// its own device descriptors, reading concurrently and taking turns on the
// output so blocks land in ascending order.

package sgcopy

import (
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sgio"
)

type threadEngine struct {
	cfg     Config
	st      *copyState
	in, out *Side
	// sg output devices transfer whole blocks; a trailing partial block
	// from a short read is zero-padded for them.
	outWholeBlocks bool
}

type worker struct {
	e      *threadEngine
	idx    int
	inDev  *sgio.Device // per-worker descriptor when the input is sg
	outDev *sgio.Device // likewise for the output
	buf    []byte
	sense  []byte
	// CDB size may be upgraded to 16 bytes mid-copy when an address
	// overflows the configured size.
	inCdb, outCdb int
}

func runThreaded(cfg Config, st *copyState, in, out *Side) error {
	e := &threadEngine{
		cfg:            cfg,
		st:             st,
		in:             in,
		out:            out,
		outWholeBlocks: out.Typ == FileTypeSg,
	}

	workers := make([]*worker, 0, cfg.Threads)
	defer func() {
		for _, w := range workers {
			w.release()
		}
	}()

	for i := 0; i < cfg.Threads; i++ {
		w, err := e.newWorker(i)
		if err != nil {
			return err
		}
		workers = append(workers, w)
	}

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			w.run()
		}(w)
	}
	wg.Wait()

	return nil
}

func (e *threadEngine) newWorker(idx int) (*worker, error) {
	w := &worker{
		e:      e,
		idx:    idx,
		sense:  make([]byte, sgio.SENSE_BUFF_LEN),
		inCdb:  e.cfg.CdbSize,
		outCdb: e.cfg.CdbSize,
	}

	buf, err := allocBuffer(e.cfg.BlockSize*e.cfg.BlocksPerTransfer, e.cfg.DirectIO)
	if err != nil {
		return nil, err
	}
	w.buf = buf

	// Worker 0 reuses the descriptors the sides were opened with; the
	// rest get their own so commands queue independently in the driver.
	if e.in.Typ == FileTypeSg {
		if idx == 0 {
			w.inDev = e.in.Sg
		} else if w.inDev, err = e.in.Sg.Reopen(); err != nil {
			w.release()
			return nil, err
		}
	}
	if e.out.Typ == FileTypeSg {
		if idx == 0 {
			w.outDev = e.out.Sg
		} else if w.outDev, err = e.out.Sg.Reopen(); err != nil {
			w.release()
			return nil, err
		}
	}

	return w, nil
}

func (w *worker) release() {
	if w.inDev != nil && w.idx != 0 {
		w.inDev.Close()
	}
	if w.outDev != nil && w.idx != 0 {
		w.outDev.Close()
	}
	freeBuffer(w.buf, w.e.cfg.DirectIO)
	w.buf = nil
}

func (w *worker) run() {
	st := w.e.st
	bs := w.e.cfg.BlockSize

	for !st.stopped() {
		blk, n := st.claim(w.e.cfg.BlocksPerTransfer)
		if n == 0 {
			return
		}

		valid, ok := w.readChunk(blk, n)
		if !ok {
			return
		}
		st.accountRead(valid, bs)

		short := valid < n*bs
		if short {
			// No input exists past this chunk; stop claiming and let
			// workers holding earlier blocks flush ahead of us.
			st.exhaustInput()
			st.noteShortRead()
			if w.e.outWholeBlocks && valid%bs != 0 {
				pad := (valid/bs + 1) * bs
				zeroFill(w.buf[valid:pad])
				valid = pad
			}
		}

		if !w.writeChunk(blk, n, valid) {
			return
		}

		if short {
			st.requestStop()
			return
		}
	}
}

// readChunk fills the worker buffer from the input. Returns the byte count
// delivered and false when the copy must stop.
func (w *worker) readChunk(blk int64, n int) (int, bool) {
	e := w.e
	bs := e.cfg.BlockSize
	lba := e.cfg.Skip + blk
	want := n * bs

	if w.inDev == nil {
		// Plain file input.
		got, err := preadFull(e.in.fd, w.buf[:want], lba*int64(bs))
		if err != nil {
			e.st.fail(scsi.OutcomeOther, fmt.Errorf("read at block %d: %w", lba, err))
			return 0, false
		}
		return got, true
	}

	retried := false
	for {
		res, outcome, err := w.execRW(w.inDev, &w.inCdb, false, lba, w.buf[:want])
		if err != nil {
			e.st.fail(scsi.OutcomeOther, err)
			return 0, false
		}

		switch outcome {
		case scsi.OutcomeGood, scsi.OutcomeRecovered:
			if outcome == scsi.OutcomeRecovered {
				log.Warnf("recovered error reading block %d", lba)
			}
			if e.cfg.DirectIO && res.IndirectIO() {
				e.st.noteDioIncomplete()
			}
			got := want - int(res.Resid)
			if got < 0 {
				got = 0
			}
			if got < want {
				e.st.noteResid(int(res.Resid))
			}
			return got, true

		case scsi.OutcomeUnitAttention, scsi.OutcomeAborted:
			if !retried && (blk == 0 || !e.cfg.RetryFirstOnly) {
				log.Warnf("%s reading block %d, retrying", outcome, lba)
				retried = true
				continue
			}

		case scsi.OutcomeNotReady, scsi.OutcomeMediumHard:
			if e.cfg.CoeMode {
				log.Warnf("%s reading block %d, substituting zeros", outcome, lba)
				zeroFill(w.buf[:want])
				e.st.noteCoeSubstitution()
				return want, true
			}
		}

		e.st.fail(outcome, fmt.Errorf("read at block %d failed: %s", lba, outcome))
		return 0, false
	}
}

// writeChunk waits for this worker's turn in the output sequence and
// writes the chunk. The output lock is held across the write so no later
// block can overtake it. Returns false when the copy must stop.
func (w *worker) writeChunk(blk int64, n, valid int) bool {
	e := w.e
	st := e.st
	bs := e.cfg.BlockSize

	st.outMu.Lock()
	for st.outNext != blk {
		if st.stopped() {
			st.outMu.Unlock()
			return false
		}
		st.outCond.Wait()
	}

	written, ok := valid, true
	if valid > 0 {
		written, ok = w.doWrite(blk, valid)
	}

	// Counters share outMu, so update them directly while it is held.
	if ok {
		st.fullOut += int64(written / bs)
		if written%bs != 0 {
			st.partialOut++
		}
	}

	st.outNext = blk + int64(n)
	st.outCond.Broadcast()
	st.outMu.Unlock()

	return ok
}

func (w *worker) doWrite(blk int64, valid int) (int, bool) {
	e := w.e
	bs := e.cfg.BlockSize
	lba := e.cfg.Seek + blk

	if e.out.Typ == FileTypeNull {
		return valid, true
	}

	if w.outDev == nil {
		got, err := pwriteFull(e.out.fd, w.buf[:valid], lba*int64(bs))
		if err != nil {
			e.st.fail(scsi.OutcomeOther, fmt.Errorf("write at block %d: %w", lba, err))
			return 0, false
		}
		if got < valid {
			log.Warnf("short write at block %d: %d of %d bytes", lba, got, valid)
			e.st.noteResid(valid - got)
		}
		return got, true
	}

	retried := false
	for {
		res, outcome, err := w.execRW(w.outDev, &w.outCdb, true, lba, w.buf[:valid])
		if err != nil {
			e.st.fail(scsi.OutcomeOther, err)
			return 0, false
		}

		switch outcome {
		case scsi.OutcomeGood, scsi.OutcomeRecovered:
			if outcome == scsi.OutcomeRecovered {
				log.Warnf("recovered error writing block %d", lba)
			}
			if e.cfg.DirectIO && res.IndirectIO() {
				e.st.noteDioIncomplete()
			}
			got := valid - int(res.Resid)
			if got < 0 {
				got = 0
			}
			if got < valid {
				log.Warnf("short write at block %d: %d of %d bytes", lba, got, valid)
				e.st.noteResid(int(res.Resid))
			}
			return got, true

		case scsi.OutcomeUnitAttention, scsi.OutcomeAborted:
			if !retried && (blk == 0 || !e.cfg.RetryFirstOnly) {
				log.Warnf("%s writing block %d, retrying", outcome, lba)
				retried = true
				continue
			}

		case scsi.OutcomeNotReady, scsi.OutcomeMediumHard:
			if e.cfg.CoeMode {
				log.Warnf("%s writing block %d, ignored", outcome, lba)
				e.st.noteCoeSubstitution()
				return valid, true
			}
		}

		e.st.fail(outcome, fmt.Errorf("write at block %d failed: %s", lba, outcome))
		return 0, false
	}
}

// execRW issues one synchronous READ or WRITE, upgrading to 16-byte CDBs
// when the address no longer fits the configured size.
func (w *worker) execRW(dev *sgio.Device, cdbSize *int, write bool, lba int64, buf []byte) (sgio.Result, scsi.Outcome, error) {
	e := w.e
	blocks := uint32(len(buf) / e.cfg.BlockSize)
	side := e.in
	if write {
		side = e.out
	}

	cdb, err := scsi.BuildRWCDB(*cdbSize, uint64(lba), blocks, write, side.fua, side.dpo)
	if err != nil {
		if _, isRange := err.(scsi.CDBRangeError); isRange && *cdbSize < 16 {
			log.Warnf("%s: %v; switching to 16-byte CDBs", side.Name, err)
			*cdbSize = 16
			cdb, err = scsi.BuildRWCDB(16, uint64(lba), blocks, write, side.fua, side.dpo)
		}
		if err != nil {
			return sgio.Result{}, scsi.OutcomeOther,
				fmt.Errorf("%s at block %d: %w", rwName(write), lba, err)
		}
	}

	dir := int32(sgio.SG_DXFER_FROM_DEV)
	if write {
		dir = sgio.SG_DXFER_TO_DEV
	}

	res, err := dev.Exec(cdb, dir, buf, w.sense, e.cfg.timeoutMS(), side.sgFlags)
	if err != nil {
		return res, scsi.OutcomeOther,
			fmt.Errorf("%s at block %d: %w", rwName(write), lba, err)
	}

	return res, res.Classify(w.sense), nil
}
