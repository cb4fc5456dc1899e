// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnaligned(t *testing.T) {
	assert := assert.New(t)

	buf := make([]byte, 8)

	PutUnalignedUint16(buf, 0x1234)
	assert.Equal([]byte{0x12, 0x34}, buf[:2])
	assert.Equal(uint16(0x1234), GetUnalignedUint16(buf))

	PutUnalignedUint24(buf, 0x123456)
	assert.Equal([]byte{0x12, 0x34, 0x56}, buf[:3])
	assert.Equal(uint32(0x123456), GetUnalignedUint24(buf))

	PutUnalignedUint32(buf, 0xdeadbeef)
	assert.Equal([]byte{0xde, 0xad, 0xbe, 0xef}, buf[:4])
	assert.Equal(uint32(0xdeadbeef), GetUnalignedUint32(buf))

	PutUnalignedUint64(buf, 0x0123456789abcdef)
	assert.Equal([]byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab, 0xcd, 0xef}, buf)
	assert.Equal(uint64(0x0123456789abcdef), GetUnalignedUint64(buf))

	// Truncation of a 24-bit field is the caller's problem, but must be stable
	PutUnalignedUint24(buf, 0xff123456)
	assert.Equal(uint32(0x123456), GetUnalignedUint24(buf))
}

func TestFormatBytes(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("512 B", FormatBytes(512))
	assert.Equal("1 KB", FormatBytes(1000))
	assert.Equal("524 KB", FormatBytes(524288))
	assert.Equal("1.05 GB", FormatBytes(1048576000))
}
