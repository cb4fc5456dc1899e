// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// sgreadcap prints the identity and capacity of a SCSI device reachable
// through the sg driver.
//
package main

import (
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sensedb"
	"github.com/dswarbrick/sgdd/sgio"
	"github.com/dswarbrick/sgdd/utils"
)

var peripheralTypes = map[uint8]string{
	0x00: "disk",
	0x01: "tape",
	0x02: "printer",
	0x03: "processor",
	0x04: "write once",
	0x05: "cd/dvd",
	0x07: "optical memory",
	0x08: "medium changer",
	0x0c: "storage array controller",
	0x0d: "enclosure services",
	0x0e: "simplified direct access",
	0x14: "zoned block",
	0x1f: "no device",
}

func pdtName(pdt uint8) string {
	if name, ok := peripheralTypes[pdt]; ok {
		return name
	}
	return fmt.Sprintf("reserved [%#02x]", pdt)
}

// explain unwraps a transport error and renders any sense data through the
// sense database.
func explain(err error) string {
	var sgErr sgio.SgioError
	if errors.As(err, &sgErr) && sgErr.SenseValid {
		return fmt.Sprintf("%v (%s)", err, sensedb.New().Describe(sgErr.Sense))
	}
	return err.Error()
}

func main() {
	ready := flag.BoolP("ready", "r", false, "issue TEST UNIT READY first and report the result")
	verbose := flag.CountP("verbose", "v", "increase logging verbosity")
	flag.Parse()

	if *verbose > 0 {
		log.SetLevel(log.DebugLevel)
	}

	if flag.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "Usage: sgreadcap [options] SG_DEVICE")
		flag.PrintDefaults()
		os.Exit(scsi.ExitSyntax)
	}

	dev, err := sgio.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(scsi.ExitFile)
	}
	defer dev.Close()

	if *ready {
		if err := dev.TestUnitReady(); err != nil {
			fmt.Fprintf(os.Stderr, "not ready: %s\n", explain(err))
			os.Exit(scsi.ExitNotReady)
		}
		fmt.Println("device is ready")
	}

	inq, err := dev.Inquiry()
	if err != nil {
		fmt.Fprintln(os.Stderr, explain(err))
		os.Exit(exitFor(err))
	}

	fmt.Printf("%s %s  rev %s\n", inq.Vendor, inq.Product, inq.Revision)
	fmt.Printf("peripheral type: %s", pdtName(inq.PeripheralType))
	if inq.Removable {
		fmt.Print(", removable")
	}
	fmt.Println()

	blocks, bs, err := dev.ReadCapacity()
	if err != nil {
		fmt.Fprintln(os.Stderr, explain(err))
		os.Exit(exitFor(err))
	}

	total := blocks * uint64(bs)
	fmt.Printf("%d blocks of %d bytes (%s)\n", blocks, bs, utils.FormatBytes(total))
}

func exitFor(err error) int {
	var sgErr sgio.SgioError
	if errors.As(err, &sgErr) {
		return sgErr.Outcome.ExitStatus()
	}
	return scsi.ExitOther
}
