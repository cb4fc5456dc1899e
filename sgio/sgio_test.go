// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgio

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"

	"github.com/dswarbrick/sgdd/scsi"
)

func TestSgIoHdrSize(t *testing.T) {
	assert := assert.New(t)

	// The header is handed to the kernel verbatim; its layout must match
	// sg_io_hdr_t exactly.
	if unsafe.Sizeof(uintptr(0)) == 8 {
		assert.Equal(uintptr(88), unsafe.Sizeof(sgIoHdr{}))
	} else {
		assert.Equal(uintptr(64), unsafe.Sizeof(sgIoHdr{}))
	}
}

func TestPopulateHdr(t *testing.T) {
	assert := assert.New(t)

	d := &Device{Name: "/dev/sg0", fd: -1}

	cdb := scsi.CDB10{scsi.SCSI_READ_10}
	buf := make([]byte, 4096)
	sense := make([]byte, SENSE_BUFF_LEN)

	hdr := d.populateHdr(cdb[:], SG_DXFER_FROM_DEV, buf, sense, DEF_TIMEOUT, 0, 42)

	assert.Equal(int32('S'), hdr.interface_id)
	assert.Equal(int32(SG_DXFER_FROM_DEV), hdr.dxfer_direction)
	assert.Equal(uint8(10), hdr.cmd_len)
	assert.Equal(uint8(SENSE_BUFF_LEN), hdr.mx_sb_len)
	assert.Equal(uint32(4096), hdr.dxfer_len)
	assert.Equal(int32(42), hdr.pack_id)
	assert.Equal(uintptr(unsafe.Pointer(&buf[0])), hdr.dxferp)
	assert.Equal(uintptr(unsafe.Pointer(&cdb[0])), hdr.cmdp)
	assert.Equal(uintptr(unsafe.Pointer(&sense[0])), hdr.sbp)
}

func TestPopulateHdrMmap(t *testing.T) {
	assert := assert.New(t)

	d := &Device{Name: "/dev/sg0", fd: -1}

	cdb := scsi.CDB10{scsi.SCSI_READ_10}
	buf := make([]byte, 4096)

	hdr := d.populateHdr(cdb[:], SG_DXFER_FROM_DEV, buf, nil, DEF_TIMEOUT, SG_FLAG_MMAP_IO, 0)

	// With mmap I/O the driver reads from/writes to the reserved buffer;
	// only the length is conveyed.
	assert.Equal(uint32(4096), hdr.dxfer_len)
	assert.Equal(uintptr(0), hdr.dxferp)
	assert.Equal(uint32(SG_FLAG_MMAP_IO), hdr.flags)
}

func TestPackIDIoctlValues(t *testing.T) {
	assert := assert.New(t)

	// Matched against <scsi/sg.h>; Open enables the force-pack-id protocol
	// with these, and Collect pairs read(2) calls to completions by pack_id.
	assert.Equal(0x227b, SG_SET_FORCE_PACK_ID)
	assert.Equal(0x227c, SG_GET_PACK_ID)
}

func TestResultClassify(t *testing.T) {
	assert := assert.New(t)

	res := Result{}
	assert.True(res.Ok())
	assert.Equal(scsi.OutcomeGood, res.Classify(nil))

	sense := make([]byte, SENSE_BUFF_LEN)
	sense[0] = 0x70
	sense[2] = scsi.KEY_UNIT_ATTENTION
	sense[12] = 0x29

	res = Result{
		Status:   scsi.STATUS_CHECK_CONDITION,
		SenseLen: 18,
		Info:     SG_INFO_OK_MASK,
	}
	assert.False(res.Ok())
	assert.Equal(scsi.OutcomeUnitAttention, res.Classify(sense))

	// SenseLen clamping must not read past the written bytes
	res.SenseLen = 4
	assert.Equal(scsi.OutcomeOther, res.Classify(sense))
}

func TestResultIndirectIO(t *testing.T) {
	assert := assert.New(t)

	assert.True(Result{Info: SG_INFO_INDIRECT_IO}.IndirectIO())
	assert.False(Result{Info: SG_INFO_DIRECT_IO}.IndirectIO())
	assert.False(Result{Info: SG_INFO_MIXED_IO}.IndirectIO())
}

func TestSgioErrorString(t *testing.T) {
	assert := assert.New(t)

	e := SgioError{ScsiStatus: 2, HostStatus: 0, DriverStatus: 8}
	assert.Contains(e.Error(), "SCSI status: 0x02")

	e.Sense = scsi.SenseInfo{Key: scsi.KEY_NOT_READY, ASC: 0x04, ASCQ: 0x01}
	e.SenseValid = true
	assert.Contains(e.Error(), "sense key: 0x02")
}
