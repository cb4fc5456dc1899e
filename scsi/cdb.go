// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI READ / WRITE command descriptor block construction.

package scsi

import (
	"fmt"

	"github.com/dswarbrick/sgdd/utils"
)

// Addressing limits per CDB variant. The 6-byte commands carry a 21-bit LBA
// and a one byte count in which zero encodes 256 blocks.
const (
	CDB6MaxLBA    = 1<<21 - 1
	CDB6MaxBlocks = 256

	CDB10MaxLBA    = 1<<32 - 1
	CDB10MaxBlocks = 0xffff

	CDB12MaxLBA    = 1<<32 - 1
	CDB12MaxBlocks = 0xffffffff

	CDB16MaxBlocks = 0xffffffff
)

// Flag bits in byte 1 of the 10/12/16-byte READ / WRITE CDBs
const (
	cdbFlagFUA = 0x08
	cdbFlagDPO = 0x10
)

// CDBRangeError reports a transfer that cannot be represented in the chosen
// CDB size. Callers may fall back to a larger CDB variant.
type CDBRangeError struct {
	CDBSize int
	LBA     uint64
	Blocks  uint32
	Reason  string
}

func (e CDBRangeError) Error() string {
	return fmt.Sprintf("%d-byte CDB cannot encode lba=%d blocks=%d: %s",
		e.CDBSize, e.LBA, e.Blocks, e.Reason)
}

// rwOpcodes maps CDB size to the {read, write} opcode pair.
var rwOpcodes = map[int][2]byte{
	6:  {SCSI_READ_6, SCSI_WRITE_6},
	10: {SCSI_READ_10, SCSI_WRITE_10},
	12: {SCSI_READ_12, SCSI_WRITE_12},
	16: {SCSI_READ_16, SCSI_WRITE_16},
}

// BuildRWCDB constructs a SCSI READ or WRITE command of the requested size
// (6, 10, 12 or 16 bytes) for the given logical block range. All multi-byte
// fields are encoded big-endian per the SCSI standard. A transfer that does
// not fit the variant's addressing limits yields a CDBRangeError rather than
// a silently truncated command.
func BuildRWCDB(cdbSize int, lba uint64, blocks uint32, write, fua, dpo bool) ([]byte, error) {
	ops, ok := rwOpcodes[cdbSize]
	if !ok {
		return nil, fmt.Errorf("unsupported CDB size %d", cdbSize)
	}

	opcode := ops[0]
	if write {
		opcode = ops[1]
	}

	if blocks == 0 {
		return nil, CDBRangeError{cdbSize, lba, blocks, "zero block count"}
	}

	switch cdbSize {
	case 6:
		if fua || dpo {
			return nil, CDBRangeError{cdbSize, lba, blocks, "FUA/DPO not supported by 6-byte commands"}
		}
		if blocks > CDB6MaxBlocks {
			return nil, CDBRangeError{cdbSize, lba, blocks, "block count exceeds 256"}
		}
		if lba > CDB6MaxLBA || lba+uint64(blocks)-1 > CDB6MaxLBA {
			return nil, CDBRangeError{cdbSize, lba, blocks, "LBA exceeds 21-bit range"}
		}

		var cdb CDB6
		cdb[0] = opcode
		utils.PutUnalignedUint24(cdb[1:4], uint32(lba))
		// 256 blocks is encoded as a zero count byte
		cdb[4] = byte(blocks & 0xff)
		return cdb[:], nil

	case 10:
		if blocks > CDB10MaxBlocks {
			return nil, CDBRangeError{cdbSize, lba, blocks, "block count exceeds 16 bits"}
		}
		if lba > CDB10MaxLBA || lba+uint64(blocks)-1 > CDB10MaxLBA {
			return nil, CDBRangeError{cdbSize, lba, blocks, "LBA exceeds 32-bit range"}
		}

		var cdb CDB10
		cdb[0] = opcode
		cdb[1] = rwFlags(fua, dpo)
		utils.PutUnalignedUint32(cdb[2:6], uint32(lba))
		utils.PutUnalignedUint16(cdb[7:9], uint16(blocks))
		return cdb[:], nil

	case 12:
		if lba > CDB12MaxLBA || lba+uint64(blocks)-1 > CDB12MaxLBA {
			return nil, CDBRangeError{cdbSize, lba, blocks, "LBA exceeds 32-bit range"}
		}

		var cdb CDB12
		cdb[0] = opcode
		cdb[1] = rwFlags(fua, dpo)
		utils.PutUnalignedUint32(cdb[2:6], uint32(lba))
		utils.PutUnalignedUint32(cdb[6:10], blocks)
		return cdb[:], nil

	case 16:
		var cdb CDB16
		cdb[0] = opcode
		cdb[1] = rwFlags(fua, dpo)
		utils.PutUnalignedUint64(cdb[2:10], lba)
		utils.PutUnalignedUint32(cdb[10:14], blocks)
		return cdb[:], nil
	}

	return nil, fmt.Errorf("unsupported CDB size %d", cdbSize)
}

func rwFlags(fua, dpo bool) byte {
	var b byte
	if fua {
		b |= cdbFlagFUA
	}
	if dpo {
		b |= cdbFlagDPO
	}
	return b
}

// DecodeRWCDB extracts the LBA, block count and transfer direction from a
// READ / WRITE CDB previously built by BuildRWCDB.
func DecodeRWCDB(cdb []byte) (lba uint64, blocks uint32, write bool, err error) {
	if len(cdb) == 0 {
		return 0, 0, false, fmt.Errorf("empty CDB")
	}

	switch cdb[0] {
	case SCSI_WRITE_6, SCSI_WRITE_10, SCSI_WRITE_12, SCSI_WRITE_16:
		write = true
	case SCSI_READ_6, SCSI_READ_10, SCSI_READ_12, SCSI_READ_16:
	default:
		return 0, 0, false, fmt.Errorf("not a READ/WRITE CDB: opcode %#02x", cdb[0])
	}

	switch len(cdb) {
	case 6:
		lba = uint64(utils.GetUnalignedUint24(cdb[1:4]) & CDB6MaxLBA)
		blocks = uint32(cdb[4])
		if blocks == 0 {
			blocks = 256
		}
	case 10:
		lba = uint64(utils.GetUnalignedUint32(cdb[2:6]))
		blocks = uint32(utils.GetUnalignedUint16(cdb[7:9]))
	case 12:
		lba = uint64(utils.GetUnalignedUint32(cdb[2:6]))
		blocks = utils.GetUnalignedUint32(cdb[6:10])
	case 16:
		lba = utils.GetUnalignedUint64(cdb[2:10])
		blocks = utils.GetUnalignedUint32(cdb[10:14])
	default:
		return 0, 0, false, fmt.Errorf("unsupported CDB length %d", len(cdb))
	}

	return lba, blocks, write, nil
}
