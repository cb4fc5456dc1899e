// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Package sensedb maps SCSI sense keys and additional sense code / qualifier
// pairs to human readable descriptions. A builtin table covers the common
// codes; a YAML database can extend or override it.
package sensedb

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v2"

	"github.com/dswarbrick/sgdd/scsi"
)

// Entry is one additional sense code assignment.
type Entry struct {
	ASC  uint8  `yaml:"asc"`
	ASCQ uint8  `yaml:"ascq"`
	Name string `yaml:"name"`
}

type SenseDb struct {
	codes map[uint16]string
}

var keyNames = [16]string{
	"no sense", "recovered error", "not ready", "medium error",
	"hardware error", "illegal request", "unit attention", "data protect",
	"blank check", "vendor specific", "copy aborted", "aborted command",
	"equal", "volume overflow", "miscompare", "completed",
}

// builtin covers the assignments the copy and probe paths actually raise.
// The full SPC table is huge; anything else reports its raw code pair.
var builtin = []Entry{
	{0x00, 0x00, "no additional sense information"},
	{0x04, 0x00, "logical unit not ready, cause not reportable"},
	{0x04, 0x01, "logical unit is in process of becoming ready"},
	{0x04, 0x02, "logical unit not ready, initializing command required"},
	{0x04, 0x03, "logical unit not ready, manual intervention required"},
	{0x04, 0x04, "logical unit not ready, format in progress"},
	{0x0c, 0x00, "write error"},
	{0x11, 0x00, "unrecovered read error"},
	{0x14, 0x01, "record not found"},
	{0x15, 0x01, "mechanical positioning error"},
	{0x17, 0x00, "recovered data with no error correction applied"},
	{0x18, 0x00, "recovered data with error correction applied"},
	{0x1a, 0x00, "parameter list length error"},
	{0x20, 0x00, "invalid command operation code"},
	{0x21, 0x00, "logical block address out of range"},
	{0x24, 0x00, "invalid field in cdb"},
	{0x25, 0x00, "logical unit not supported"},
	{0x26, 0x00, "invalid field in parameter list"},
	{0x28, 0x00, "not ready to ready change, medium may have changed"},
	{0x29, 0x00, "power on, reset, or bus device reset occurred"},
	{0x29, 0x01, "power on occurred"},
	{0x29, 0x02, "scsi bus reset occurred"},
	{0x29, 0x03, "bus device reset function occurred"},
	{0x2a, 0x01, "mode parameters changed"},
	{0x31, 0x00, "medium format corrupted"},
	{0x3a, 0x00, "medium not present"},
	{0x3e, 0x01, "logical unit failure"},
	{0x44, 0x00, "internal target failure"},
	{0x47, 0x00, "scsi parity error"},
	{0x4e, 0x00, "overlapped commands attempted"},
	{0x5d, 0x00, "failure prediction threshold exceeded"},
}

func codeIdx(asc, ascq uint8) uint16 {
	return uint16(asc)<<8 | uint16(ascq)
}

// New returns a database holding the builtin assignments.
func New() *SenseDb {
	db := &SenseDb{codes: make(map[uint16]string, len(builtin))}
	for _, e := range builtin {
		db.codes[codeIdx(e.ASC, e.ASCQ)] = e.Name
	}
	return db
}

// Load merges a YAML-formatted assignment database into db. A missing file
// is not an error; the builtin table simply stands alone.
func (db *SenseDb) Load(dbfile string) error {
	f, err := os.Open(dbfile)
	if err != nil {
		return nil
	}
	defer f.Close()

	var ext struct {
		Codes []Entry
	}
	if err := yaml.NewDecoder(f).Decode(&ext); err != nil {
		return err
	}

	for _, e := range ext.Codes {
		db.codes[codeIdx(e.ASC, e.ASCQ)] = e.Name
	}
	return nil
}

// KeyName returns the name of a sense key.
func KeyName(key uint8) string {
	if int(key) < len(keyNames) {
		return keyNames[key]
	}
	return fmt.Sprintf("unknown sense key %#02x", key)
}

// CodeName returns the description of an additional sense code pair.
func (db *SenseDb) CodeName(asc, ascq uint8) string {
	if name, ok := db.codes[codeIdx(asc, ascq)]; ok {
		return name
	}
	if name, ok := db.codes[codeIdx(asc, 0)]; ok && ascq != 0 {
		return fmt.Sprintf("%s (ascq %#02x)", name, ascq)
	}
	if asc >= 0x80 {
		return fmt.Sprintf("vendor specific asc=%#02x, ascq=%#02x", asc, ascq)
	}
	return fmt.Sprintf("unknown asc=%#02x, ascq=%#02x", asc, ascq)
}

// Describe renders decoded sense data as a one-line description.
func (db *SenseDb) Describe(info scsi.SenseInfo) string {
	return fmt.Sprintf("%s: %s", KeyName(info.Key), db.CodeName(info.ASC, info.ASCQ))
}
