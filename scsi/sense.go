// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// SCSI sense data interpretation.

package scsi

import (
	"fmt"
)

// SenseInfo is the decoded form of a SCSI sense buffer.
type SenseInfo struct {
	ResponseCode uint8
	Key          uint8
	ASC          uint8
	ASCQ         uint8
	// Descriptor is true for descriptor format sense data (SPC-3 and later),
	// false for the fixed format.
	Descriptor bool
}

func (s SenseInfo) String() string {
	return fmt.Sprintf("sense key: %#02x, asc: %#02x, ascq: %#02x", s.Key, s.ASC, s.ASCQ)
}

// ParseSense decodes a raw sense buffer in either fixed (response codes 0x70,
// 0x71) or descriptor (0x72, 0x73) format. Buffers too short to carry the
// claimed format are rejected rather than read out of bounds.
func ParseSense(buf []byte) (SenseInfo, error) {
	if len(buf) < 1 {
		return SenseInfo{}, fmt.Errorf("empty sense buffer")
	}

	resp := buf[0] & 0x7f

	switch resp {
	case 0x70, 0x71:
		// Fixed format: key in byte 2, ASC/ASCQ in bytes 12-13
		if len(buf) < 14 {
			return SenseInfo{}, fmt.Errorf("fixed format sense buffer truncated at %d bytes", len(buf))
		}
		return SenseInfo{
			ResponseCode: resp,
			Key:          buf[2] & 0x0f,
			ASC:          buf[12],
			ASCQ:         buf[13],
		}, nil

	case 0x72, 0x73:
		// Descriptor format: key/ASC/ASCQ in bytes 1-3
		if len(buf) < 4 {
			return SenseInfo{}, fmt.Errorf("descriptor format sense buffer truncated at %d bytes", len(buf))
		}
		return SenseInfo{
			ResponseCode: resp,
			Key:          buf[1] & 0x0f,
			ASC:          buf[2],
			ASCQ:         buf[3],
			Descriptor:   true,
		}, nil
	}

	return SenseInfo{}, fmt.Errorf("unknown sense response code %#02x", resp)
}
