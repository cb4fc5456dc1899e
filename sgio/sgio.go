// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Linux SCSI generic (sg) driver interface definitions.

package sgio

import (
	"fmt"
	"unsafe"

	"github.com/dswarbrick/sgdd/scsi"
)

const (
	SG_DXFER_NONE        = -1
	SG_DXFER_TO_DEV      = -2
	SG_DXFER_FROM_DEV    = -3
	SG_DXFER_TO_FROM_DEV = -4

	SG_INFO_OK_MASK = 0x1
	SG_INFO_OK      = 0x0

	SG_INFO_DIRECT_IO_MASK = 0x6
	SG_INFO_INDIRECT_IO    = 0x0
	SG_INFO_DIRECT_IO      = 0x2
	SG_INFO_MIXED_IO       = 0x4

	SG_FLAG_DIRECT_IO = 1
	SG_FLAG_MMAP_IO   = 4

	// sg ioctls (<scsi/sg.h>)
	SG_IO                = 0x2285
	SG_GET_VERSION_NUM   = 0x2282
	SG_SET_RESERVED_SIZE = 0x2275
	SG_GET_RESERVED_SIZE = 0x2272
	SG_SET_FORCE_PACK_ID = 0x227b
	SG_GET_PACK_ID       = 0x227c

	// Minimum sg driver version supporting the version 3 interface
	SG_VERSION_3 = 30000

	// Default command timeout in milliseconds
	DEF_TIMEOUT = 60000

	SENSE_BUFF_LEN = 32
)

// SCSI generic ioctl header, defined as sg_io_hdr_t in <scsi/sg.h>
type sgIoHdr struct {
	interface_id    int32   // 'S' for SCSI generic (required)
	dxfer_direction int32   // data transfer direction
	cmd_len         uint8   // SCSI command length (<= 16 bytes)
	mx_sb_len       uint8   // max length to write to sbp
	iovec_count     uint16  // 0 implies no scatter gather
	dxfer_len       uint32  // byte count of data transfer
	dxferp          uintptr // points to data transfer memory or scatter gather list
	cmdp            uintptr // points to command to perform
	sbp             uintptr // points to sense_buffer memory
	timeout         uint32  // MAX_UINT -> no timeout (unit: millisec)
	flags           uint32  // 0 -> default, see SG_FLAG...
	pack_id         int32   // matches an async completion to its submission
	usr_ptr         uintptr // unused internally
	status          uint8   // SCSI status
	masked_status   uint8   // shifted, masked scsi status
	msg_status      uint8   // messaging level data (optional)
	sb_len_wr       uint8   // byte count actually written to sbp
	host_status     uint16  // errors from host adapter
	driver_status   uint16  // errors from software driver
	resid           int32   // dxfer_len - actual_transferred
	duration        uint32  // time taken by cmd (unit: millisec)
	info            uint32  // auxiliary information
}

const sgIoHdrSize = int(unsafe.Sizeof(sgIoHdr{}))

// Result carries the completion state of one SCSI command as reported by
// the sg driver.
type Result struct {
	Status       uint8
	HostStatus   uint16
	DriverStatus uint16
	Resid        int32
	SenseLen     int
	Duration     uint32
	Info         uint32
}

// Ok reports whether the driver considered the command clean.
func (r Result) Ok() bool {
	return r.Info&SG_INFO_OK_MASK == SG_INFO_OK
}

// IndirectIO reports whether the transfer fell back to buffered (indirect)
// I/O. Only meaningful when direct or mmap I/O was requested.
func (r Result) IndirectIO() bool {
	return r.Info&SG_INFO_DIRECT_IO_MASK == SG_INFO_INDIRECT_IO
}

// Classify maps the completion to an outcome category using the sense
// buffer supplied at submission.
func (r Result) Classify(sense []byte) scsi.Outcome {
	if len(sense) > r.SenseLen {
		sense = sense[:r.SenseLen]
	}
	return scsi.Classify(r.Status, r.HostStatus, r.DriverStatus, sense)
}

// SgioError is returned for commands the sg driver flagged as abnormal.
type SgioError struct {
	ScsiStatus   uint8
	HostStatus   uint16
	DriverStatus uint16
	Outcome      scsi.Outcome
	Sense        scsi.SenseInfo
	SenseValid   bool
}

func (e SgioError) Error() string {
	if e.SenseValid {
		return fmt.Sprintf("SCSI status: %#02x, host status: %#02x, driver status: %#02x (%s)",
			e.ScsiStatus, e.HostStatus, e.DriverStatus, e.Sense)
	}
	return fmt.Sprintf("SCSI status: %#02x, host status: %#02x, driver status: %#02x",
		e.ScsiStatus, e.HostStatus, e.DriverStatus)
}

func newResult(hdr *sgIoHdr) Result {
	return Result{
		Status:       hdr.status,
		HostStatus:   hdr.host_status,
		DriverStatus: hdr.driver_status,
		Resid:        hdr.resid,
		SenseLen:     int(hdr.sb_len_wr),
		Duration:     hdr.duration,
		Info:         hdr.info,
	}
}
