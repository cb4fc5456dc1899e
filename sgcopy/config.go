// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgcopy

import (
	"fmt"
)

// ConcurrencyMode selects how the engine overlaps transfers.
type ConcurrencyMode int

const (
	// Cooperative runs a single goroutine multiplexing async submissions
	// over a small slot table (queued sg write()/read() interface).
	Cooperative ConcurrencyMode = iota
	// ThreadPool runs a fixed pool of workers, each performing blocking
	// transfers on its own device descriptor.
	ThreadPool
)

// BufferMode selects where transfer buffers live.
type BufferMode int

const (
	// Scratch buffers are process allocations, page-aligned when direct
	// I/O is in use.
	Scratch BufferMode = iota
	// MemoryMapped buffers borrow the sg driver's reserved buffer, mapped
	// into the process (zero copy between kernel and user space).
	MemoryMapped
)

const (
	DefBlockSize         = 512
	DefBlocksPerTransfer = 128
	DefThreads           = 4
	MaxThreads           = 1024
	DefCdbSize           = 10
	DefQueueDepth        = 4

	// One sg command moves at most this much data unless the driver
	// grants a larger reserved buffer.
	MaxPerTransferBytes = 4 * 1024 * 1024

	defaultCommandTimeoutMS = 60 * 1000
)

// Config carries the options of one copy invocation, as assembled by the
// command line layer.
type Config struct {
	BlockSize         int   // logical block size (bs=)
	BlocksPerTransfer int   // max blocks per SCSI command (bpt=)
	Threads           int   // worker count in ThreadPool mode (thr=)
	QueueDepth        int   // slot count in Cooperative mode
	CdbSize           int   // 6, 10, 12 or 16 (cdbsz=)
	DirectIO          bool  // dio=
	Concurrency       ConcurrencyMode
	Buffers           BufferMode
	CoeMode           bool  // continue on error: zero-fill failed reads, drop failed writes
	FUA               bool  // force unit access
	DPO               bool  // disable page out
	Skip              int64 // initial input blocks to skip
	Seek              int64 // initial output blocks to skip
	Count             int64 // blocks to copy; negative means derive from capacity
	TimeoutMS         int   // per-command timeout; zero selects the sg default
	SyncAfter         bool  // SYNCHRONIZE CACHE on the output device afterwards
	TimeTransfer      bool  // measure and report elapsed time / throughput
	// RetryFirstOnly restricts the one-shot retry of unit attention and
	// aborted command conditions to the first transfer of the copy.
	RetryFirstOnly bool
}

// DefaultConfig returns a Config with the conventional sg_dd defaults.
func DefaultConfig() Config {
	return Config{
		BlockSize:         DefBlockSize,
		BlocksPerTransfer: DefBlocksPerTransfer,
		Threads:           DefThreads,
		QueueDepth:        DefQueueDepth,
		CdbSize:           DefCdbSize,
		Concurrency:       ThreadPool,
		Buffers:           Scratch,
		Count:             -1,
		RetryFirstOnly:    true,
	}
}

func (c *Config) timeoutMS() int {
	if c.TimeoutMS > 0 {
		return c.TimeoutMS
	}
	return defaultCommandTimeoutMS
}

func (c *Config) validate() error {
	if c.BlockSize <= 0 {
		return fmt.Errorf("block size must be positive (got %d)", c.BlockSize)
	}
	if c.BlocksPerTransfer <= 0 {
		return fmt.Errorf("blocks per transfer must be positive (got %d)", c.BlocksPerTransfer)
	}
	if c.BlockSize*c.BlocksPerTransfer > MaxPerTransferBytes {
		return fmt.Errorf("bs*bpt exceeds %d bytes", MaxPerTransferBytes)
	}
	if c.Skip < 0 {
		return fmt.Errorf("skip cannot be negative (got %d)", c.Skip)
	}
	if c.Seek < 0 {
		return fmt.Errorf("seek cannot be negative (got %d)", c.Seek)
	}
	if c.Count < -1 {
		return fmt.Errorf("count cannot be negative (got %d)", c.Count)
	}

	switch c.CdbSize {
	case 6, 10, 12, 16:
	default:
		return fmt.Errorf("CDB size must be 6, 10, 12 or 16 (got %d)", c.CdbSize)
	}

	if c.CdbSize == 6 && (c.FUA || c.DPO) {
		return fmt.Errorf("FUA/DPO cannot be used with 6-byte CDBs")
	}

	switch c.Concurrency {
	case Cooperative:
		if c.QueueDepth <= 0 {
			c.QueueDepth = DefQueueDepth
		}
	case ThreadPool:
		if c.Threads <= 0 {
			c.Threads = DefThreads
		}
		if c.Threads > MaxThreads {
			return fmt.Errorf("thread count %d exceeds maximum %d", c.Threads, MaxThreads)
		}
		if c.Buffers == MemoryMapped {
			return fmt.Errorf("memory-mapped buffers require the cooperative engine")
		}
	default:
		return fmt.Errorf("unknown concurrency mode %d", c.Concurrency)
	}

	if c.Buffers == MemoryMapped {
		// The reserved buffer is a single region; overlap is not possible.
		c.QueueDepth = 1
		if c.DirectIO {
			return fmt.Errorf("dio and mmap are mutually exclusive")
		}
	}

	return nil
}
