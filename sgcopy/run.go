// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgcopy

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/sgdd/scsi"
)

// Result summarizes one finished (or interrupted) copy.
type Result struct {
	FullIn, PartialIn   int64
	FullOut, PartialOut int64

	// DioIncomplete counts commands for which direct I/O was requested
	// but the driver fell back to buffered transfers.
	DioIncomplete int64
	// CoeSubstituted counts failed transfers papered over in
	// continue-on-error mode.
	CoeSubstituted int64
	// ResidSum aggregates residual byte counts across all transfers.
	ResidSum int64

	Elapsed time.Duration
	Bytes   int64

	// Interrupted is set when a signal cut the copy short; Signal is the
	// signal that did it.
	Interrupted bool
	Signal      os.Signal

	ExitStatus int
	Err        error
}

// Report prints the dd-style transfer summary.
func (r Result) Report(w io.Writer) {
	fmt.Fprintf(w, "%d+%d records in\n", r.FullIn, r.PartialIn)
	fmt.Fprintf(w, "%d+%d records out\n", r.FullOut, r.PartialOut)

	if r.DioIncomplete > 0 {
		fmt.Fprintf(w, ">> direct I/O not performed for %d commands\n", r.DioIncomplete)
	}
	if r.ResidSum > 0 {
		fmt.Fprintf(w, ">> non-zero sum of residual counts=%d\n", r.ResidSum)
	}
	if r.CoeSubstituted > 0 {
		fmt.Fprintf(w, ">> unrecovered errors on %d transfers (continued)\n", r.CoeSubstituted)
	}

	if r.Elapsed > 0 {
		secs := r.Elapsed.Seconds()
		mb := float64(r.Bytes) / 1e6
		fmt.Fprintf(w, "time to transfer data: %.2f secs", secs)
		if secs > 0 {
			fmt.Fprintf(w, " at %.2f MB/sec", mb/secs)
		}
		fmt.Fprintln(w)
	}
}

// Run performs one copy according to cfg. Setup problems (bad options,
// unopenable files) are returned as an error with a FILE/SYNTAX exit
// status in the Result; transfer failures are reported through the
// Result's ExitStatus and Err with whatever was copied counted.
func Run(cfg Config, inName, outName string) (Result, error) {
	var res Result

	if err := cfg.validate(); err != nil {
		res.ExitStatus = scsi.ExitSyntax
		return res, err
	}

	in, err := OpenSide(inName, cfg, false)
	if err != nil {
		res.ExitStatus = scsi.ExitFile
		return res, err
	}
	defer in.Close()

	out, err := OpenSide(outName, cfg, true)
	if err != nil {
		res.ExitStatus = scsi.ExitFile
		return res, err
	}
	defer out.Close()

	count, err := deriveCount(cfg, in, out)
	if err != nil {
		res.ExitStatus = scsi.ExitOther
		return res, err
	}
	if count == 0 {
		return res, nil
	}

	st := newCopyState(count)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, unix.SIGINT, unix.SIGTERM, unix.SIGUSR1)
	sigDone := make(chan struct{})

	var (
		sigMu  sync.Mutex
		gotSig os.Signal
	)
	go func() {
		for {
			select {
			case sig := <-sigCh:
				if sig == unix.SIGUSR1 {
					// Progress poke: print interim counters, keep going.
					var interim Result
					st.snapshot(&interim)
					interim.Report(os.Stderr)
					continue
				}
				log.Warnf("interrupted by signal %s, winding down", sig)
				sigMu.Lock()
				if gotSig == nil {
					gotSig = sig
				}
				sigMu.Unlock()
				st.requestStop()
			case <-sigDone:
				return
			}
		}
	}()
	defer func() {
		signal.Stop(sigCh)
		close(sigDone)
	}()

	start := time.Now()

	switch cfg.Concurrency {
	case Cooperative:
		eng, err := newCoopEngine(cfg, st, in, out)
		if err != nil {
			res.ExitStatus = scsi.ExitOther
			return res, err
		}
		if err := eng.run(); err != nil {
			st.fail(scsi.OutcomeOther, err)
		}
	case ThreadPool:
		if err := runThreaded(cfg, st, in, out); err != nil {
			st.fail(scsi.OutcomeOther, err)
		}
	}

	if cfg.TimeTransfer {
		res.Elapsed = time.Since(start)
	}

	if cfg.SyncAfter && out.Typ == FileTypeSg {
		if err := out.Sg.SyncCache(); err != nil {
			log.Warnf("%s: synchronize cache: %v", out.Name, err)
		}
	}

	st.snapshot(&res)
	res.Bytes = res.FullIn * int64(cfg.BlockSize)

	sigMu.Lock()
	if gotSig != nil {
		res.Interrupted = true
		res.Signal = gotSig
	}
	sigMu.Unlock()

	return res, nil
}

// deriveCount resolves the number of blocks to copy. An explicit count
// wins; otherwise it is taken from the input capacity, clamped to what the
// output can hold.
func deriveCount(cfg Config, in, out *Side) (int64, error) {
	if cfg.Count >= 0 {
		return cfg.Count, nil
	}

	inCap, err := in.Capacity()
	if err != nil {
		return 0, err
	}
	if inCap >= 0 {
		inCap -= cfg.Skip
		if inCap < 0 {
			inCap = 0
		}
	}

	// Regular output files grow on demand and never bound the copy.
	outCap := int64(-1)
	if out.Typ != FileTypeOther {
		if outCap, err = out.Capacity(); err != nil {
			return 0, err
		}
	}
	if outCap >= 0 {
		outCap -= cfg.Seek
		if outCap < 0 {
			outCap = 0
		}
	}

	switch {
	case inCap >= 0 && outCap >= 0:
		if outCap < inCap {
			return outCap, nil
		}
		return inCap, nil
	case inCap >= 0:
		return inCap, nil
	case outCap >= 0:
		return outCap, nil
	}

	return 0, fmt.Errorf("cannot derive a copy count from %s and %s; give count=", in.Name, out.Name)
}
