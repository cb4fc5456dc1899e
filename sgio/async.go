// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Asynchronous command submission via the sg driver's write()/read()
// interface. A command is queued with write(2) and its completion collected
// later with read(2); completions arrive in device order, not submission
// order, and are matched to their submission by pack_id.

package sgio

import (
	"errors"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/dswarbrick/sgdd/scsi"
)

// ErrBusy is reported when the driver cannot queue another command right
// now (per-fd queue full or reserved buffer exhausted). The caller should
// collect a completion or shrink its transfer size, then retry.
var ErrBusy = errors.New("sg driver busy")

// Submit hands one command to the driver and returns as soon as it is
// queued. The cdb, buf and sense slices are pinned until the matching
// Collect call returns.
func (d *Device) Submit(packID int32, cdb []byte, dir int32, buf, sense []byte, timeoutMS int, flags uint32) error {
	cmd := &pendingCmd{cdb: cdb, buf: buf, sense: sense}
	cmd.hdr = d.populateHdr(cdb, dir, buf, sense, timeoutMS, flags, packID)

	d.mu.Lock()
	if _, dup := d.pending[packID]; dup {
		d.mu.Unlock()
		return fmt.Errorf("%s: duplicate pack_id %d", d.Name, packID)
	}
	d.pending[packID] = cmd
	d.mu.Unlock()

	hdrBytes := (*[sgIoHdrSize]byte)(unsafe.Pointer(&cmd.hdr))[:]

	n, err := unix.Write(d.fd, hdrBytes)
	if err != nil || n < sgIoHdrSize {
		d.mu.Lock()
		delete(d.pending, packID)
		d.mu.Unlock()

		switch {
		case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.ENOMEM), errors.Is(err, unix.EDOM):
			return fmt.Errorf("%s: submit pack_id %d: %w", d.Name, packID, ErrBusy)
		case err != nil:
			return fmt.Errorf("%s: submit pack_id %d: %w", d.Name, packID, err)
		}
		return fmt.Errorf("%s: short header write (%d of %d)", d.Name, n, sgIoHdrSize)
	}

	return nil
}

// CompletedID asks the driver for the pack_id of the oldest finished but
// uncollected command, or -1 if nothing has completed yet.
func (d *Device) CompletedID() (int32, error) {
	var id int32
	if err := ioctl(uintptr(d.fd), SG_GET_PACK_ID, uintptr(unsafe.Pointer(&id))); err != nil {
		return -1, fmt.Errorf("%s: SG_GET_PACK_ID: %w", d.Name, err)
	}
	return id, nil
}

// Collect blocks until some queued command finishes and returns its pack_id
// together with the completion state. The command's sense buffer (as passed
// to Submit) has been populated by the driver at this point.
func (d *Device) Collect() (int32, Result, error) {
	var hdr sgIoHdr
	hdr.interface_id = 'S'
	hdrBytes := (*[sgIoHdrSize]byte)(unsafe.Pointer(&hdr))[:]

	for {
		id, err := d.CompletedID()
		if err != nil {
			return 0, Result{}, err
		}
		if id < 0 {
			if _, werr := d.Ready(-1); werr != nil {
				return 0, Result{}, werr
			}
			continue
		}
		hdr.pack_id = id

		n, err := unix.Read(d.fd, hdrBytes)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
				continue
			}
			return 0, Result{}, fmt.Errorf("%s: collect: %w", d.Name, err)
		}
		if n < sgIoHdrSize {
			return 0, Result{}, fmt.Errorf("%s: short header read (%d of %d)", d.Name, n, sgIoHdrSize)
		}
		break
	}

	d.mu.Lock()
	_, known := d.pending[hdr.pack_id]
	delete(d.pending, hdr.pack_id)
	d.mu.Unlock()

	if !known {
		return 0, Result{}, fmt.Errorf("%s: completion for unknown pack_id %d", d.Name, hdr.pack_id)
	}

	return hdr.pack_id, newResult(&hdr), nil
}

// Ready polls the descriptor for a collectable completion. A negative
// timeout blocks indefinitely; zero performs a non-blocking check.
func (d *Device) Ready(timeoutMS int) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(d.fd), Events: unix.POLLIN}}

	for {
		n, err := unix.Poll(fds, timeoutMS)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return false, fmt.Errorf("%s: poll: %w", d.Name, err)
		}
		if n > 0 && fds[0].Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			return false, fmt.Errorf("%s: poll: device error (revents %#x)", d.Name, fds[0].Revents)
		}
		return n > 0, nil
	}
}

// Pending returns the number of submitted but uncollected commands.
func (d *Device) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

func parseSenseBuf(sense []byte, n int) (scsi.SenseInfo, error) {
	if n > len(sense) {
		n = len(sense)
	}
	return scsi.ParseSense(sense[:n])
}
