// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// sgdd copies data between SCSI generic (sg) devices, block devices and
// plain files using READ / WRITE commands issued through the sg driver,
// with dd-style operands.
//
package main

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"unsafe"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sgcopy"
)

const (
	_LINUX_CAPABILITY_VERSION_3 = 0x20080522

	CAP_SYS_RAWIO = 1 << 17
	CAP_SYS_ADMIN = 1 << 21
)

type capHeader struct {
	version uint32
	pid     int
}

type capData struct {
	effective   uint32
	permitted   uint32
	inheritable uint32
}

type capsV3 struct {
	hdr  capHeader
	data [2]capData
}

// checkCaps invokes the capget syscall to check for necessary capabilities. Note that this depends
// on the binary having the capabilities set (i.e., via the `setcap` utility), and on VFS support.
// Alternatively, if the binary is executed as root, it automatically has all capabilities set.
func checkCaps() {
	caps := new(capsV3)
	caps.hdr.version = _LINUX_CAPABILITY_VERSION_3

	// Use RawSyscall since we do not expect it to block
	_, _, e1 := unix.RawSyscall(unix.SYS_CAPGET, uintptr(unsafe.Pointer(&caps.hdr)), uintptr(unsafe.Pointer(&caps.data)), 0)
	if e1 != 0 {
		log.Warnf("capget() failed: %s", e1.Error())
		return
	}

	if (caps.data[0].effective&CAP_SYS_RAWIO == 0) && (caps.data[0].effective&CAP_SYS_ADMIN == 0) {
		log.Warn("neither cap_sys_rawio nor cap_sys_admin are in effect; sg device access will probably fail")
	}
}

// toNum parses a numeric operand with the conventional dd suffix
// multipliers (c, b, k/K, m/M, g/G).
func toNum(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty numeric operand")
	}

	mult := int64(1)
	switch s[len(s)-1] {
	case 'c', 'C':
		s = s[:len(s)-1]
	case 'b', 'B':
		mult, s = 512, s[:len(s)-1]
	case 'k':
		mult, s = 1024, s[:len(s)-1]
	case 'K':
		mult, s = 1000, s[:len(s)-1]
	case 'm':
		mult, s = 1024*1024, s[:len(s)-1]
	case 'M':
		mult, s = 1000*1000, s[:len(s)-1]
	case 'g':
		mult, s = 1024*1024*1024, s[:len(s)-1]
	case 'G':
		mult, s = 1000*1000*1000, s[:len(s)-1]
	}

	n, err := strconv.ParseInt(s, 0, 64)
	if err != nil {
		return 0, err
	}
	return n * mult, nil
}

func toBool(s string) (bool, error) {
	switch s {
	case "0":
		return false, nil
	case "1":
		return true, nil
	}
	return false, fmt.Errorf("expected 0 or 1, got %q", s)
}

// parseOperands maps dd-style key=value arguments onto the copy
// configuration.
func parseOperands(args []string, cfg *sgcopy.Config) (inName, outName string, err error) {
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			return "", "", fmt.Errorf("unrecognized operand %q (expected key=value)", arg)
		}

		var n int64
		var b bool

		switch key {
		case "if":
			inName = value
		case "of":
			outName = value
		case "bs":
			if n, err = toNum(value); err == nil {
				cfg.BlockSize = int(n)
			}
		case "bpt":
			if n, err = toNum(value); err == nil {
				cfg.BlocksPerTransfer = int(n)
			}
		case "count":
			if n, err = toNum(value); err == nil {
				cfg.Count = n
			}
		case "skip":
			if n, err = toNum(value); err == nil {
				cfg.Skip = n
			}
		case "seek":
			if n, err = toNum(value); err == nil {
				cfg.Seek = n
			}
		case "cdbsz":
			if n, err = toNum(value); err == nil {
				cfg.CdbSize = int(n)
			}
		case "thr":
			if n, err = toNum(value); err == nil {
				cfg.Threads = int(n)
			}
		case "qd":
			if n, err = toNum(value); err == nil {
				cfg.QueueDepth = int(n)
			}
		case "engine":
			switch value {
			case "thread":
				cfg.Concurrency = sgcopy.ThreadPool
			case "queue":
				cfg.Concurrency = sgcopy.Cooperative
			default:
				err = fmt.Errorf("engine must be thread or queue, got %q", value)
			}
		case "dio":
			if b, err = toBool(value); err == nil {
				cfg.DirectIO = b
			}
		case "mmap":
			if b, err = toBool(value); err == nil && b {
				cfg.Buffers = sgcopy.MemoryMapped
				cfg.Concurrency = sgcopy.Cooperative
			}
		case "coe":
			if b, err = toBool(value); err == nil {
				cfg.CoeMode = b
			}
		case "fua":
			if b, err = toBool(value); err == nil {
				cfg.FUA = b
			}
		case "dpo":
			if b, err = toBool(value); err == nil {
				cfg.DPO = b
			}
		case "sync":
			if b, err = toBool(value); err == nil {
				cfg.SyncAfter = b
			}
		case "time":
			if b, err = toBool(value); err == nil {
				cfg.TimeTransfer = b
			}
		case "retry":
			switch value {
			case "first":
				cfg.RetryFirstOnly = true
			case "all":
				cfg.RetryFirstOnly = false
			default:
				err = fmt.Errorf("retry must be first or all, got %q", value)
			}
		case "timeout":
			if n, err = toNum(value); err == nil {
				cfg.TimeoutMS = int(n) * 1000
			}
		default:
			return "", "", fmt.Errorf("unrecognized operand %q", key)
		}

		if err != nil {
			return "", "", fmt.Errorf("bad value for %s=: %w", key, err)
		}
	}

	return inName, outName, nil
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: sgdd [options] if=IFILE [of=OFILE] [operands...]

Operands:
  bs=BS       logical block size in bytes (default %d)
  bpt=BPT     blocks per transfer (default %d)
  count=N     blocks to copy (default: derived from capacity)
  skip=N      blocks to skip on the input
  seek=N      blocks to skip on the output
  cdbsz=N     READ/WRITE CDB size: 6, 10, 12 or 16 (default %d)
  engine=E    concurrency engine: thread or queue (default thread)
  thr=N       worker count for engine=thread (default %d)
  qd=N        queue depth for engine=queue (default %d)
  dio=0|1     request direct I/O on sg devices
  mmap=0|1    use the sg driver's memory-mapped reserved buffer
  coe=0|1     continue on error, substituting zeros
  fua=0|1     set Force Unit Access in READ/WRITE CDBs
  dpo=0|1     set Disable Page Out in READ/WRITE CDBs
  sync=0|1    SYNCHRONIZE CACHE on the output device afterwards
  time=0|1    report transfer time and throughput
  retry=R     retry unit attention/aborted: first (transfer only) or all
  timeout=N   per-command timeout in seconds

Options:
`, sgcopy.DefBlockSize, sgcopy.DefBlocksPerTransfer, sgcopy.DefCdbSize,
		sgcopy.DefThreads, sgcopy.DefQueueDepth)
	flag.PrintDefaults()
}

func main() {
	verbose := flag.CountP("verbose", "v", "increase logging verbosity")
	quiet := flag.BoolP("quiet", "q", false, "suppress the transfer summary")
	flag.Usage = usage
	flag.Parse()

	log.SetOutput(os.Stderr)
	switch {
	case *verbose >= 2:
		log.SetLevel(log.DebugLevel)
	case *verbose == 1:
		log.SetLevel(log.InfoLevel)
	default:
		log.SetLevel(log.WarnLevel)
	}

	cfg := sgcopy.DefaultConfig()
	inName, outName, err := parseOperands(flag.Args(), &cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		usage()
		os.Exit(scsi.ExitSyntax)
	}
	if inName == "" {
		fmt.Fprintln(os.Stderr, "if= must be given")
		usage()
		os.Exit(scsi.ExitSyntax)
	}
	if outName == "" {
		outName = "/dev/null"
	}

	checkCaps()

	res, err := sgcopy.Run(cfg, inName, outName)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		if res.ExitStatus == 0 {
			res.ExitStatus = scsi.ExitOther
		}
		os.Exit(res.ExitStatus)
	}

	if !*quiet {
		res.Report(os.Stderr)
	}
	if res.Err != nil {
		fmt.Fprintln(os.Stderr, res.Err)
	}

	if res.Interrupted {
		// Print what was copied, then die by the signal so the parent
		// sees the conventional termination status.
		signal.Reset(res.Signal)
		if sig, ok := res.Signal.(unix.Signal); ok {
			unix.Kill(unix.Getpid(), sig)
		}
	}

	os.Exit(res.ExitStatus)
}
