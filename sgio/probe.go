// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// One-shot commands: INQUIRY, READ CAPACITY and SYNCHRONIZE CACHE.

package sgio

import (
	"fmt"
	"strings"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/utils"
)

// InquiryData holds the interesting fields of a standard INQUIRY response.
type InquiryData struct {
	PeripheralType uint8
	Removable      bool
	Vendor         string
	Product        string
	Revision       string
}

func (i InquiryData) String() string {
	return fmt.Sprintf("%s %s %s [pdt %#02x]", i.Vendor, i.Product, i.Revision, i.PeripheralType)
}

// Inquiry issues a standard INQUIRY and decodes the identification fields.
func (d *Device) Inquiry() (InquiryData, error) {
	resp := make([]byte, scsi.INQ_REPLY_LEN)
	cdb := scsi.CDB6{scsi.SCSI_INQUIRY, 0, 0, 0, uint8(len(resp)), 0}

	if err := d.ExecCheck(cdb[:], SG_DXFER_FROM_DEV, resp, DEF_TIMEOUT); err != nil {
		return InquiryData{}, fmt.Errorf("INQUIRY: %w", err)
	}

	return InquiryData{
		PeripheralType: resp[0] & 0x1f,
		Removable:      resp[1]&0x80 != 0,
		Vendor:         strings.TrimSpace(string(resp[8:16])),
		Product:        strings.TrimSpace(string(resp[16:32])),
		Revision:       strings.TrimSpace(string(resp[32:36])),
	}, nil
}

// ReadCapacity returns the device block count and logical block size. The
// 10-byte form is tried first and escalated to READ CAPACITY(16) when the
// reported last LBA saturates 32 bits.
func (d *Device) ReadCapacity() (blocks uint64, blockSize int, err error) {
	resp := make([]byte, 8)
	cdb := scsi.CDB10{scsi.SCSI_READ_CAPACITY_10}

	if err := d.ExecCheck(cdb[:], SG_DXFER_FROM_DEV, resp, DEF_TIMEOUT); err != nil {
		return 0, 0, fmt.Errorf("READ CAPACITY(10): %w", err)
	}

	lastLBA := utils.GetUnalignedUint32(resp[0:4])
	if lastLBA != 0xffffffff {
		return uint64(lastLBA) + 1, int(utils.GetUnalignedUint32(resp[4:8])), nil
	}

	// Capacity exceeds 32-bit addressing
	resp16 := make([]byte, 32)
	cdb16 := scsi.CDB16{scsi.SCSI_SERVICE_ACTION_IN, scsi.SAI_READ_CAPACITY_16}
	utils.PutUnalignedUint32(cdb16[10:14], uint32(len(resp16)))

	if err := d.ExecCheck(cdb16[:], SG_DXFER_FROM_DEV, resp16, DEF_TIMEOUT); err != nil {
		return 0, 0, fmt.Errorf("READ CAPACITY(16): %w", err)
	}

	return utils.GetUnalignedUint64(resp16[0:8]) + 1, int(utils.GetUnalignedUint32(resp16[8:12])), nil
}

// SyncCache issues SYNCHRONIZE CACHE(10) covering the whole device.
func (d *Device) SyncCache() error {
	cdb := scsi.CDB10{scsi.SCSI_SYNCHRONIZE_CACHE}

	if err := d.ExecCheck(cdb[:], SG_DXFER_NONE, nil, DEF_TIMEOUT); err != nil {
		return fmt.Errorf("SYNCHRONIZE CACHE: %w", err)
	}
	return nil
}

// TestUnitReady reports whether the device is ready to accept media access
// commands.
func (d *Device) TestUnitReady() error {
	cdb := scsi.CDB6{scsi.SCSI_TEST_UNIT_READY}

	if err := d.ExecCheck(cdb[:], SG_DXFER_NONE, nil, DEF_TIMEOUT); err != nil {
		return fmt.Errorf("TEST UNIT READY: %w", err)
	}
	return nil
}
