// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package scsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func fixedSense(key, asc, ascq byte) []byte {
	buf := make([]byte, 18)
	buf[0] = 0x70
	buf[2] = key
	buf[7] = 10 // additional sense length
	buf[12] = asc
	buf[13] = ascq
	return buf
}

func descriptorSense(key, asc, ascq byte) []byte {
	buf := make([]byte, 8)
	buf[0] = 0x72
	buf[1] = key
	buf[2] = asc
	buf[3] = ascq
	return buf
}

func TestParseSenseFixed(t *testing.T) {
	assert := assert.New(t)

	info, err := ParseSense(fixedSense(KEY_UNIT_ATTENTION, 0x29, 0x00))
	assert.NoError(err)
	assert.Equal(uint8(0x70), info.ResponseCode)
	assert.Equal(uint8(KEY_UNIT_ATTENTION), info.Key)
	assert.Equal(uint8(0x29), info.ASC)
	assert.Equal(uint8(0x00), info.ASCQ)
	assert.False(info.Descriptor)

	// Deferred error response code
	buf := fixedSense(KEY_MEDIUM_ERROR, 0x11, 0x01)
	buf[0] = 0x71
	info, err = ParseSense(buf)
	assert.NoError(err)
	assert.Equal(uint8(0x71), info.ResponseCode)

	// The valid bit must not leak into the response code
	buf[0] = 0xf0
	info, err = ParseSense(buf)
	assert.NoError(err)
	assert.Equal(uint8(0x70), info.ResponseCode)
}

func TestParseSenseDescriptor(t *testing.T) {
	assert := assert.New(t)

	info, err := ParseSense(descriptorSense(KEY_ABORTED_COMMAND, 0x47, 0x03))
	assert.NoError(err)
	assert.Equal(uint8(KEY_ABORTED_COMMAND), info.Key)
	assert.Equal(uint8(0x47), info.ASC)
	assert.Equal(uint8(0x03), info.ASCQ)
	assert.True(info.Descriptor)
}

func TestParseSenseMalformed(t *testing.T) {
	assert := assert.New(t)

	_, err := ParseSense(nil)
	assert.Error(err)

	_, err = ParseSense([]byte{})
	assert.Error(err)

	// Fixed format truncated below 14 bytes
	_, err = ParseSense([]byte{0x70, 0, KEY_NOT_READY, 0, 0, 0, 0, 0})
	assert.Error(err)

	// Descriptor format truncated below 4 bytes
	_, err = ParseSense([]byte{0x72, KEY_NOT_READY})
	assert.Error(err)

	// Unknown response code
	_, err = ParseSense(fixedSense(0, 0, 0)[2:])
	assert.Error(err)
}
