// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package scsi

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyClean(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(OutcomeGood, Classify(STATUS_GOOD, DID_OK, DRIVER_OK, nil))

	// Driver suggestion bits in the high nibble do not disturb a clean result
	assert.Equal(OutcomeGood, Classify(STATUS_GOOD, DID_OK, 0x40, nil))
}

func TestClassifySenseDriven(t *testing.T) {
	assert := assert.New(t)

	cases := []struct {
		key     byte
		outcome Outcome
	}{
		{KEY_NO_SENSE, OutcomeRecovered},
		{KEY_RECOVERED_ERROR, OutcomeRecovered},
		{KEY_UNIT_ATTENTION, OutcomeUnitAttention},
		{KEY_ABORTED_COMMAND, OutcomeAborted},
		{KEY_NOT_READY, OutcomeNotReady},
		{KEY_MEDIUM_ERROR, OutcomeMediumHard},
		{KEY_HARDWARE_ERROR, OutcomeMediumHard},
		{KEY_ILLEGAL_REQUEST, OutcomeOther},
		{KEY_DATA_PROTECT, OutcomeOther},
	}

	for _, c := range cases {
		sense := fixedSense(c.key, 0, 0)
		assert.Equal(c.outcome, Classify(STATUS_CHECK_CONDITION, DID_OK, DRIVER_OK, sense),
			"key %#02x", c.key)
		// Same result for descriptor format and for the driver sense flag
		assert.Equal(c.outcome, Classify(STATUS_GOOD, DID_OK, DRIVER_SENSE, descriptorSense(c.key, 0, 0)),
			"key %#02x (driver sense)", c.key)
	}

	assert.Equal(OutcomeOther,
		Classify(STATUS_COMMAND_TERMINATED, DID_OK, DRIVER_OK, fixedSense(KEY_ILLEGAL_REQUEST, 0x24, 0)))
}

func TestClassifyTransport(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(OutcomeTimeout, Classify(STATUS_GOOD, DID_NO_CONNECT, DRIVER_OK, nil))
	assert.Equal(OutcomeTimeout, Classify(STATUS_GOOD, DID_BUS_BUSY, DRIVER_OK, nil))
	assert.Equal(OutcomeTimeout, Classify(STATUS_GOOD, DID_TIME_OUT, DRIVER_OK, nil))
	assert.Equal(OutcomeTimeout, Classify(STATUS_GOOD, DID_OK, DRIVER_TIMEOUT, nil))

	assert.Equal(OutcomeOther, Classify(STATUS_BUSY, DID_OK, DRIVER_OK, nil))
	assert.Equal(OutcomeOther, Classify(STATUS_GOOD, DID_ERROR, DRIVER_OK, nil))
	assert.Equal(OutcomeOther, Classify(STATUS_RESERVATION_CONFLICT, DID_OK, DRIVER_OK, nil))
}

// Classify must be total: malformed sense buffers degrade to OutcomeOther
// instead of panicking.
func TestClassifyMalformedSense(t *testing.T) {
	assert := assert.New(t)

	malformed := [][]byte{
		nil,
		{},
		{0x70},
		{0x70, 0, KEY_MEDIUM_ERROR},
		{0x72},
		{0xff, 0xff, 0xff},
	}

	for _, sense := range malformed {
		assert.NotPanics(func() {
			Classify(STATUS_CHECK_CONDITION, DID_OK, DRIVER_OK, sense)
		})
		assert.Equal(OutcomeOther, Classify(STATUS_CHECK_CONDITION, DID_OK, DRIVER_OK, sense))
	}
}

func TestOutcomeExitStatus(t *testing.T) {
	assert := assert.New(t)

	assert.Equal(ExitOk, OutcomeGood.ExitStatus())
	assert.Equal(ExitOk, OutcomeRecovered.ExitStatus())
	assert.Equal(ExitNotReady, OutcomeNotReady.ExitStatus())
	assert.Equal(ExitMediumHard, OutcomeMediumHard.ExitStatus())
	assert.Equal(ExitUnitAttention, OutcomeUnitAttention.ExitStatus())
	assert.Equal(ExitAborted, OutcomeAborted.ExitStatus())
	assert.Equal(ExitTimeout, OutcomeTimeout.ExitStatus())
	assert.Equal(ExitOther, OutcomeOther.ExitStatus())
}
