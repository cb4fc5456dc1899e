// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Miscellaneous utility functions

package utils

import (
	"fmt"
)

// GetUnalignedUint16 decodes a big-endian (SCSI byte order) 16-bit value.
func GetUnalignedUint16(buf []byte) uint16 {
	return uint16(buf[0])<<8 | uint16(buf[1])
}

// GetUnalignedUint24 decodes a big-endian 24-bit value.
func GetUnalignedUint24(buf []byte) uint32 {
	return uint32(buf[0])<<16 | uint32(buf[1])<<8 | uint32(buf[2])
}

// GetUnalignedUint32 decodes a big-endian 32-bit value.
func GetUnalignedUint32(buf []byte) uint32 {
	return uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
}

// GetUnalignedUint64 decodes a big-endian 64-bit value.
func GetUnalignedUint64(buf []byte) uint64 {
	return uint64(GetUnalignedUint32(buf))<<32 | uint64(GetUnalignedUint32(buf[4:]))
}

// PutUnalignedUint16 encodes a 16-bit value in big-endian byte order.
func PutUnalignedUint16(buf []byte, v uint16) {
	buf[0] = byte(v >> 8)
	buf[1] = byte(v)
}

// PutUnalignedUint24 encodes the low 24 bits of v in big-endian byte order.
func PutUnalignedUint24(buf []byte, v uint32) {
	buf[0] = byte(v >> 16)
	buf[1] = byte(v >> 8)
	buf[2] = byte(v)
}

// PutUnalignedUint32 encodes a 32-bit value in big-endian byte order.
func PutUnalignedUint32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}

// PutUnalignedUint64 encodes a 64-bit value in big-endian byte order.
func PutUnalignedUint64(buf []byte, v uint64) {
	PutUnalignedUint32(buf, uint32(v>>32))
	PutUnalignedUint32(buf[4:], uint32(v))
}

// FormatBytes formats a uint64 byte quantity using human-readble units, e.g. kilobyte, megabyte.
func FormatBytes(v uint64) string {
	var i int

	suffixes := [...]string{"B", "KB", "MB", "GB", "TB", "PB", "EB"}
	d := uint64(1)

	for i = 0; i < len(suffixes)-1; i++ {
		if v >= d*1000 {
			d *= 1000
		} else {
			break
		}
	}

	if i == 0 {
		return fmt.Sprintf("%d %s", v, suffixes[i])
	}

	// Print 3 significant digits
	return fmt.Sprintf("%.3g %s", float64(v)/float64(d), suffixes[i])
}
