// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI command definitions.

package scsi

const (
	// SCSI commands used by this package
	SCSI_TEST_UNIT_READY   = 0x00
	SCSI_REQUEST_SENSE     = 0x03
	SCSI_READ_6            = 0x08
	SCSI_WRITE_6           = 0x0a
	SCSI_INQUIRY           = 0x12
	SCSI_READ_CAPACITY_10  = 0x25
	SCSI_READ_10           = 0x28
	SCSI_WRITE_10          = 0x2a
	SCSI_SYNCHRONIZE_CACHE = 0x35
	SCSI_READ_16           = 0x88
	SCSI_WRITE_16          = 0x8a
	SCSI_SERVICE_ACTION_IN = 0x9e
	SCSI_READ_12           = 0xa8
	SCSI_WRITE_12          = 0xaa

	// Service actions for SCSI_SERVICE_ACTION_IN
	SAI_READ_CAPACITY_16 = 0x10

	// Minimum length of standard INQUIRY response
	INQ_REPLY_LEN = 36
)

// SCSI status codes (SAM-4, unshifted form as returned by the sg driver).
// See http://www.t10.org/lists/2status.htm
const (
	STATUS_GOOD                 = 0x00
	STATUS_CHECK_CONDITION      = 0x02
	STATUS_CONDITION_MET        = 0x04
	STATUS_BUSY                 = 0x08
	STATUS_RESERVATION_CONFLICT = 0x18
	STATUS_TASK_SET_FULL        = 0x28
	STATUS_ACA_ACTIVE           = 0x30
	STATUS_TASK_ABORTED         = 0x40

	// Pre-SAM-3 status, still surfaced by some HBAs
	STATUS_COMMAND_TERMINATED = 0x22
)

// Host (HBA) status codes, as reported in sg_io_hdr host_status.
const (
	DID_OK          = 0x00
	DID_NO_CONNECT  = 0x01
	DID_BUS_BUSY    = 0x02
	DID_TIME_OUT    = 0x03
	DID_BAD_TARGET  = 0x04
	DID_ABORT       = 0x05
	DID_PARITY      = 0x06
	DID_ERROR       = 0x07
	DID_RESET       = 0x08
	DID_BAD_INTR    = 0x09
	DID_PASSTHROUGH = 0x0a
	DID_SOFT_ERROR  = 0x0b
)

// Driver status codes, low nibble of sg_io_hdr driver_status. The high
// nibble carries retry suggestion bits which are ignored here.
const (
	DRIVER_OK      = 0x00
	DRIVER_BUSY    = 0x01
	DRIVER_SOFT    = 0x02
	DRIVER_MEDIA   = 0x03
	DRIVER_ERROR   = 0x04
	DRIVER_INVALID = 0x05
	DRIVER_TIMEOUT = 0x06
	DRIVER_HARD    = 0x07
	DRIVER_SENSE   = 0x08

	DRIVER_STATUS_MASK = 0x0f
)

// Sense keys (SPC-4 table 54)
const (
	KEY_NO_SENSE        = 0x00
	KEY_RECOVERED_ERROR = 0x01
	KEY_NOT_READY       = 0x02
	KEY_MEDIUM_ERROR    = 0x03
	KEY_HARDWARE_ERROR  = 0x04
	KEY_ILLEGAL_REQUEST = 0x05
	KEY_UNIT_ATTENTION  = 0x06
	KEY_DATA_PROTECT    = 0x07
	KEY_ABORTED_COMMAND = 0x0b
)

// SCSI CDB types
type CDB6 [6]byte
type CDB10 [10]byte
type CDB12 [12]byte
type CDB16 [16]byte
