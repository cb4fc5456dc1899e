// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// sgsense decodes a raw SCSI sense buffer given as hex bytes on the
// command line, e.g.
//
//	sgsense 70 00 06 00 00 00 00 0a 00 00 00 00 29 00
//
package main

import (
	"fmt"
	"os"
	"strconv"

	flag "github.com/spf13/pflag"

	"github.com/dswarbrick/sgdd/scsi"
	"github.com/dswarbrick/sgdd/sensedb"
)

func main() {
	dbfile := flag.String("db", "", "YAML sense code database to merge over the builtin table")
	flag.Parse()

	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "Usage: sgsense [--db FILE] HEX_BYTE...")
		flag.PrintDefaults()
		os.Exit(scsi.ExitSyntax)
	}

	buf := make([]byte, 0, flag.NArg())
	for _, arg := range flag.Args() {
		b, err := strconv.ParseUint(arg, 16, 8)
		if err != nil {
			fmt.Fprintf(os.Stderr, "bad hex byte %q: %v\n", arg, err)
			os.Exit(scsi.ExitSyntax)
		}
		buf = append(buf, byte(b))
	}

	info, err := scsi.ParseSense(buf)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(scsi.ExitOther)
	}

	db := sensedb.New()
	if err := db.Load(*dbfile); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(scsi.ExitFile)
	}

	format := "fixed"
	if info.Descriptor {
		format = "descriptor"
	}

	fmt.Printf("%s format, response code %#02x\n", format, info.ResponseCode)
	fmt.Printf("sense key: %s [%#02x]\n", sensedb.KeyName(info.Key), info.Key)
	fmt.Printf("asc=%#02x, ascq=%#02x: %s\n", info.ASC, info.ASCQ, db.CodeName(info.ASC, info.ASCQ))
}
