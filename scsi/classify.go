// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Classification of completed SCSI command status into a small set of
// outcomes that the copy engine can act on.

package scsi

// Outcome is the result category of a completed SCSI command.
type Outcome int

const (
	// OutcomeGood - command completed cleanly.
	OutcomeGood Outcome = iota
	// OutcomeRecovered - device recovered from an error; treat as success.
	OutcomeRecovered
	// OutcomeUnitAttention - device state changed (media change, reset);
	// the command is a retry candidate.
	OutcomeUnitAttention
	// OutcomeAborted - command aborted by the device; retry candidate.
	OutcomeAborted
	// OutcomeNotReady - device not ready.
	OutcomeNotReady
	// OutcomeMediumHard - unrecovered medium or hardware error.
	OutcomeMediumHard
	// OutcomeTimeout - transport level timeout or lost connection.
	OutcomeTimeout
	// OutcomeOther - anything not covered above; always fatal.
	OutcomeOther
)

var outcomeNames = map[Outcome]string{
	OutcomeGood:          "good",
	OutcomeRecovered:     "recovered error",
	OutcomeUnitAttention: "unit attention",
	OutcomeAborted:       "aborted command",
	OutcomeNotReady:      "not ready",
	OutcomeMediumHard:    "medium or hardware error",
	OutcomeTimeout:       "timeout",
	OutcomeOther:         "other error",
}

func (o Outcome) String() string {
	if n, ok := outcomeNames[o]; ok {
		return n
	}
	return "unknown"
}

// Exit status categories, mirroring the conventional sg utility exit codes.
// These values are stable; scripts depend on them.
const (
	ExitOk            = 0
	ExitSyntax        = 1
	ExitNotReady      = 2
	ExitMediumHard    = 3
	ExitContradict    = 4
	ExitIllegal       = 5
	ExitUnitAttention = 6
	ExitAborted       = 11
	ExitFile          = 15
	ExitTimeout       = 33
	ExitOther         = 99
)

// ExitStatus maps an outcome onto its stable process exit code.
func (o Outcome) ExitStatus() int {
	switch o {
	case OutcomeGood, OutcomeRecovered:
		return ExitOk
	case OutcomeNotReady:
		return ExitNotReady
	case OutcomeMediumHard:
		return ExitMediumHard
	case OutcomeUnitAttention:
		return ExitUnitAttention
	case OutcomeAborted:
		return ExitAborted
	case OutcomeTimeout:
		return ExitTimeout
	}
	return ExitOther
}

// Classify maps the status triple and raw sense buffer of a completed
// command to an Outcome. It is total: malformed or truncated sense buffers
// degrade to OutcomeOther instead of failing.
func Classify(status uint8, hostStatus, driverStatus uint16, sense []byte) Outcome {
	driver := driverStatus & DRIVER_STATUS_MASK

	if status == STATUS_GOOD && hostStatus == DID_OK && driver == DRIVER_OK {
		return OutcomeGood
	}

	if status == STATUS_CHECK_CONDITION || status == STATUS_COMMAND_TERMINATED ||
		driver == DRIVER_SENSE {
		info, err := ParseSense(sense)
		if err != nil {
			return OutcomeOther
		}

		switch info.Key {
		case KEY_NO_SENSE, KEY_RECOVERED_ERROR:
			return OutcomeRecovered
		case KEY_UNIT_ATTENTION:
			return OutcomeUnitAttention
		case KEY_ABORTED_COMMAND:
			return OutcomeAborted
		case KEY_NOT_READY:
			return OutcomeNotReady
		case KEY_MEDIUM_ERROR, KEY_HARDWARE_ERROR:
			return OutcomeMediumHard
		}
		return OutcomeOther
	}

	switch hostStatus {
	case DID_NO_CONNECT, DID_BUS_BUSY, DID_TIME_OUT:
		return OutcomeTimeout
	}

	if driver == DRIVER_TIMEOUT {
		return OutcomeTimeout
	}

	return OutcomeOther
}
