// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Transfer channels: the narrow submit/collect surface the engines drive.
// A channel hides whether an endpoint is an sg device (true async queuing),
// a plain file (synchronous positioned I/O) or a null sink.

package sgcopy

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sgio"
)

// Completion is the result of one finished transfer request, matched to
// its submission by ID.
type Completion struct {
	ID      int32
	Outcome scsi.Outcome
	// Resid is the number of requested bytes NOT transferred.
	Resid int
	// DioIncomplete is set when direct I/O was requested but the driver
	// fell back to buffered I/O.
	DioIncomplete bool
	// Sense carries decoded sense data for sense-driven outcomes.
	Sense scsi.SenseInfo
	// Err carries the underlying OS error for OutcomeOther completions of
	// plain file I/O.
	Err error
}

// asyncChannel is one side's transfer queue. Submit never blocks on the
// transfer itself; Collect returns finished requests in whatever order the
// device completes them.
type asyncChannel interface {
	// Submit queues a transfer of len(buf) bytes at the given logical
	// block. ErrBusy (wrapped) means the queue is momentarily full.
	Submit(id int32, write bool, lba int64, buf []byte) error
	// Ready polls for a collectable completion.
	Ready(timeoutMS int) (bool, error)
	// Collect returns the next finished request; blocks if none is ready.
	Collect() (Completion, error)
	// Pending returns the number of submitted, uncollected requests.
	Pending() int
	// Buffer returns a borrowed transfer buffer of n bytes when the
	// channel owns one (memory-mapped reserved buffer), else nil.
	Buffer(n int) []byte
}

// sgChannel queues commands on an sg device via the async write()/read()
// interface.
type sgChannel struct {
	side      *Side
	cdbSize   int
	sense     map[int32][]byte
	dirio     bool
	timeoutMS int
}

func newSgChannel(s *Side, cfg Config) *sgChannel {
	return &sgChannel{
		side:      s,
		cdbSize:   s.cdbSize,
		sense:     make(map[int32][]byte),
		dirio:     cfg.DirectIO,
		timeoutMS: cfg.timeoutMS(),
	}
}

func (c *sgChannel) Submit(id int32, write bool, lba int64, buf []byte) error {
	blocks := uint32(len(buf) / c.side.blockSize)

	cdb, err := scsi.BuildRWCDB(c.cdbSize, uint64(lba), blocks, write, c.side.fua, c.side.dpo)
	if err != nil {
		if _, isRange := err.(scsi.CDBRangeError); isRange && c.cdbSize < 16 {
			// Upgrade to 16-byte commands for the rest of the copy.
			log.Warnf("%s: %v; switching to 16-byte CDBs", c.side.Name, err)
			c.cdbSize = 16
			cdb, err = scsi.BuildRWCDB(c.cdbSize, uint64(lba), blocks, write, c.side.fua, c.side.dpo)
		}
		if err != nil {
			return err
		}
	}

	dir := int32(sgio.SG_DXFER_FROM_DEV)
	if write {
		dir = sgio.SG_DXFER_TO_DEV
	}

	if c.side.sgFlags&sgio.SG_FLAG_MMAP_IO != 0 && write {
		// Writes go out of the reserved buffer; stage the data there if the
		// caller's buffer is borrowed from the other side's mapping.
		if len(buf) > 0 && &buf[0] != &c.side.mmapBuf[0] {
			copy(c.side.mmapBuf[:len(buf)], buf)
			buf = c.side.mmapBuf[:len(buf)]
		}
	}

	sense := make([]byte, sgio.SENSE_BUFF_LEN)
	if err := c.side.Sg.Submit(id, cdb, dir, buf, sense, c.timeoutMS, c.side.sgFlags); err != nil {
		return err
	}

	c.sense[id] = sense
	return nil
}

func (c *sgChannel) Collect() (Completion, error) {
	id, res, err := c.side.Sg.Collect()
	if err != nil {
		return Completion{}, err
	}

	sense := c.sense[id]
	delete(c.sense, id)

	comp := Completion{
		ID:      id,
		Outcome: res.Classify(sense),
		Resid:   int(res.Resid),
	}
	if c.dirio && res.IndirectIO() {
		comp.DioIncomplete = true
	}
	if res.SenseLen > 0 {
		if info, serr := scsi.ParseSense(sense[:res.SenseLen]); serr == nil {
			comp.Sense = info
		}
	}

	return comp, nil
}

func (c *sgChannel) Ready(timeoutMS int) (bool, error) {
	return c.side.Sg.Ready(timeoutMS)
}

func (c *sgChannel) Pending() int {
	return c.side.Sg.Pending()
}

func (c *sgChannel) Buffer(n int) []byte {
	if c.side.mmapBuf == nil || n > len(c.side.mmapBuf) {
		return nil
	}
	return c.side.mmapBuf[:n]
}

// fileChannel adapts positioned read/write on a plain descriptor to the
// channel surface. Transfers complete synchronously inside Submit; Collect
// drains the completion queue in FIFO order.
type fileChannel struct {
	side *Side
	done []Completion
}

func newFileChannel(s *Side) *fileChannel {
	return &fileChannel{side: s}
}

func (c *fileChannel) Submit(id int32, write bool, lba int64, buf []byte) error {
	off := lba * int64(c.side.blockSize)

	var (
		n   int
		err error
	)
	if write {
		n, err = pwriteFull(c.side.fd, buf, off)
	} else {
		n, err = preadFull(c.side.fd, buf, off)
	}

	comp := Completion{ID: id, Resid: len(buf) - n}
	if err != nil {
		comp.Outcome = scsi.OutcomeOther
		comp.Err = fmt.Errorf("%s: %s at block %d: %w", c.side.Name, rwName(write), lba, err)
		comp.Resid = len(buf)
	}

	c.done = append(c.done, comp)
	return nil
}

func (c *fileChannel) Collect() (Completion, error) {
	if len(c.done) == 0 {
		return Completion{}, fmt.Errorf("%s: no completion pending", c.side.Name)
	}
	comp := c.done[0]
	c.done = c.done[1:]
	return comp, nil
}

func (c *fileChannel) Ready(timeoutMS int) (bool, error) {
	return len(c.done) > 0, nil
}

func (c *fileChannel) Pending() int {
	return len(c.done)
}

func (c *fileChannel) Buffer(n int) []byte {
	return nil
}

// nullChannel discards writes, for /dev/null outputs.
type nullChannel struct {
	done []Completion
}

func (c *nullChannel) Submit(id int32, write bool, lba int64, buf []byte) error {
	c.done = append(c.done, Completion{ID: id})
	return nil
}

func (c *nullChannel) Collect() (Completion, error) {
	if len(c.done) == 0 {
		return Completion{}, fmt.Errorf("null device: no completion pending")
	}
	comp := c.done[0]
	c.done = c.done[1:]
	return comp, nil
}

func (c *nullChannel) Ready(timeoutMS int) (bool, error) { return len(c.done) > 0, nil }
func (c *nullChannel) Pending() int                      { return len(c.done) }
func (c *nullChannel) Buffer(n int) []byte               { return nil }

// channel returns the asyncChannel appropriate for this endpoint.
func (s *Side) channel(cfg Config) asyncChannel {
	switch s.Typ {
	case FileTypeSg:
		return newSgChannel(s, cfg)
	case FileTypeNull:
		return &nullChannel{}
	}
	return newFileChannel(s)
}

func rwName(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
