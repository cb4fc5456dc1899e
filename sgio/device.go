// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI generic device handles: open/close, reserved buffer management and
// the synchronous SG_IO path.

package sgio

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Device is an open file descriptor on a /dev/sg node. A Device is safe for
// use by a single goroutine; concurrent users must each obtain their own
// descriptor via Reopen, since the sg driver's per-fd command queue is not
// shareable.
type Device struct {
	Name string
	fd   int

	mu      sync.Mutex
	pending map[int32]*pendingCmd

	mmapBuf []byte
}

// pendingCmd pins the buffers of an in-flight async command. The sg driver
// holds raw pointers into them until the completion is collected.
type pendingCmd struct {
	hdr   sgIoHdr
	cdb   []byte
	buf   []byte
	sense []byte
}

// Open opens an sg device node. The descriptor is opened non-blocking so
// that async submissions report queue-full conditions instead of stalling.
func Open(name string) (*Device, error) {
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", name, err)
	}

	d := &Device{Name: name, fd: fd, pending: make(map[int32]*pendingCmd)}

	ver, err := d.Version()
	if err != nil || ver < SG_VERSION_3 {
		unix.Close(fd)
		if err != nil {
			return nil, fmt.Errorf("%s: not an sg device: %w", name, err)
		}
		return nil, fmt.Errorf("%s: sg driver version %d too old (need >= %d)", name, ver, SG_VERSION_3)
	}

	// Have read(2) return the completion whose pack_id we ask for, so that
	// Collect can pair completions with submissions deterministically.
	force := int32(1)
	if err := ioctl(uintptr(fd), SG_SET_FORCE_PACK_ID, uintptr(unsafe.Pointer(&force))); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%s: SG_SET_FORCE_PACK_ID: %w", name, err)
	}

	return d, nil
}

// Reopen returns a fresh descriptor on the same device node, for use by
// another worker thread.
func (d *Device) Reopen() (*Device, error) {
	return Open(d.Name)
}

func (d *Device) Close() error {
	if d.mmapBuf != nil {
		if err := unix.Munmap(d.mmapBuf); err != nil {
			return err
		}
		d.mmapBuf = nil
	}
	return unix.Close(d.fd)
}

// Version returns the sg driver version number (e.g. 30536 for 3.5.36).
func (d *Device) Version() (int, error) {
	var ver int32
	if err := ioctl(uintptr(d.fd), SG_GET_VERSION_NUM, uintptr(unsafe.Pointer(&ver))); err != nil {
		return 0, err
	}
	return int(ver), nil
}

// SetReservedSize asks the driver to reserve n bytes of transfer buffer for
// this descriptor. The driver may grant less; the granted size is returned.
func (d *Device) SetReservedSize(n int) (int, error) {
	sz := int32(n)
	if err := ioctl(uintptr(d.fd), SG_SET_RESERVED_SIZE, uintptr(unsafe.Pointer(&sz))); err != nil {
		return 0, fmt.Errorf("%s: SG_SET_RESERVED_SIZE: %w", d.Name, err)
	}
	return d.ReservedSize()
}

// ReservedSize returns the current reserved buffer size of this descriptor.
func (d *Device) ReservedSize() (int, error) {
	var sz int32
	if err := ioctl(uintptr(d.fd), SG_GET_RESERVED_SIZE, uintptr(unsafe.Pointer(&sz))); err != nil {
		return 0, fmt.Errorf("%s: SG_GET_RESERVED_SIZE: %w", d.Name, err)
	}
	return int(sz), nil
}

// MmapReservedBuffer maps the descriptor's reserved buffer into the process
// address space for zero-copy (SG_FLAG_MMAP_IO) transfers. The mapping is
// owned by the Device and remains valid until Close; in-flight requests
// borrow sub-ranges of it and must complete before Close is called.
func (d *Device) MmapReservedBuffer(n int) ([]byte, error) {
	if d.mmapBuf != nil {
		return d.mmapBuf, nil
	}

	if _, err := d.SetReservedSize(n); err != nil {
		return nil, err
	}

	buf, err := unix.Mmap(d.fd, 0, n, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%s: mmap reserved buffer: %w", d.Name, err)
	}

	d.mmapBuf = buf
	return buf, nil
}

// Exec performs one synchronous SG_IO round trip and returns the raw
// completion state. Transport plumbing failures surface as errors; SCSI
// level failures are reported through the Result for the caller to classify.
func (d *Device) Exec(cdb []byte, dir int32, buf, sense []byte, timeoutMS int, flags uint32) (Result, error) {
	hdr := d.populateHdr(cdb, dir, buf, sense, timeoutMS, flags, 0)

	if err := ioctl(uintptr(d.fd), SG_IO, uintptr(unsafe.Pointer(&hdr))); err != nil {
		return Result{}, fmt.Errorf("%s: SG_IO: %w", d.Name, err)
	}

	return newResult(&hdr), nil
}

// ExecCheck wraps Exec and converts any non-clean completion into an
// SgioError. Intended for one-shot commands (INQUIRY, READ CAPACITY) where
// no fine-grained outcome handling is needed.
func (d *Device) ExecCheck(cdb []byte, dir int32, buf []byte, timeoutMS int) error {
	sense := make([]byte, SENSE_BUFF_LEN)

	res, err := d.Exec(cdb, dir, buf, sense, timeoutMS, 0)
	if err != nil {
		return err
	}

	if !res.Ok() {
		e := SgioError{
			ScsiStatus:   res.Status,
			HostStatus:   res.HostStatus,
			DriverStatus: res.DriverStatus,
			Outcome:      res.Classify(sense),
		}
		if res.SenseLen > 0 {
			if info, serr := parseSenseBuf(sense, res.SenseLen); serr == nil {
				e.Sense = info
				e.SenseValid = true
			}
		}
		return e
	}

	return nil
}

func (d *Device) populateHdr(cdb []byte, dir int32, buf, sense []byte, timeoutMS int, flags uint32, packID int32) sgIoHdr {
	hdr := sgIoHdr{
		interface_id:    'S',
		dxfer_direction: dir,
		cmd_len:         uint8(len(cdb)),
		timeout:         uint32(timeoutMS),
		flags:           flags,
		pack_id:         packID,
		cmdp:            uintptr(unsafe.Pointer(&cdb[0])),
	}

	if len(sense) > 0 {
		hdr.mx_sb_len = uint8(len(sense))
		hdr.sbp = uintptr(unsafe.Pointer(&sense[0]))
	}

	if len(buf) > 0 {
		hdr.dxfer_len = uint32(len(buf))
		if flags&SG_FLAG_MMAP_IO == 0 {
			hdr.dxferp = uintptr(unsafe.Pointer(&buf[0]))
		}
		// With mmap I/O the driver uses the reserved buffer directly and
		// dxferp stays nil.
	}

	return hdr
}
