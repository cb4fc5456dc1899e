// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

// Copy endpoints: device type classification, opening, capacity probing.

package sgcopy

import (
	"fmt"
	"unsafe"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/dswarbrick/sgdd/sgio"
)

// FileType classifies a copy endpoint.
type FileType int

const (
	FileTypeOther FileType = iota
	FileTypeSg
	FileTypeBlock
	FileTypeRaw
	FileTypeNull
)

// Linux character device majors
const (
	memMajor         = 1 // /dev/null is char 1:3
	scsiGenericMajor = 21
	rawMajor         = 162
)

var fileTypeNames = map[FileType]string{
	FileTypeOther: "other",
	FileTypeSg:    "sg",
	FileTypeBlock: "block",
	FileTypeRaw:   "raw",
	FileTypeNull:  "null",
}

func (t FileType) String() string {
	if n, ok := fileTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// Side is one endpoint (input or output) of a copy.
type Side struct {
	Name string
	Typ  FileType

	Sg *sgio.Device // non-nil for FileTypeSg
	fd int          // plain descriptor for block/raw/other

	blockSize int
	cdbSize   int
	fua, dpo  bool
	sgFlags   uint32
	mmapBuf   []byte
}

// classifyFile determines the endpoint type from stat information.
func classifyFile(st *unix.Stat_t) FileType {
	switch st.Mode & unix.S_IFMT {
	case unix.S_IFCHR:
		major := unix.Major(st.Rdev)
		switch {
		case major == scsiGenericMajor:
			return FileTypeSg
		case major == memMajor && unix.Minor(st.Rdev) == 3:
			return FileTypeNull
		case major == rawMajor:
			return FileTypeRaw
		}
	case unix.S_IFBLK:
		return FileTypeBlock
	}
	return FileTypeOther
}

// OpenSide opens one endpoint according to the configuration. Output files
// that do not exist are created as regular files.
func OpenSide(name string, cfg Config, output bool) (*Side, error) {
	s := &Side{
		Name:      name,
		fd:        -1,
		blockSize: cfg.BlockSize,
		cdbSize:   cfg.CdbSize,
		fua:       cfg.FUA,
		dpo:       cfg.DPO,
	}

	var st unix.Stat_t
	err := unix.Stat(name, &st)
	switch {
	case err == nil:
		s.Typ = classifyFile(&st)
	case err == unix.ENOENT && output:
		s.Typ = FileTypeOther
	default:
		return nil, fmt.Errorf("cannot stat %s: %w", name, err)
	}

	switch s.Typ {
	case FileTypeNull:
		return s, nil

	case FileTypeSg:
		dev, err := sgio.Open(name)
		if err != nil {
			return nil, err
		}
		s.Sg = dev

		reserve := cfg.BlockSize * cfg.BlocksPerTransfer
		if _, err := dev.SetReservedSize(reserve); err != nil {
			dev.Close()
			return nil, err
		}

		if cfg.Buffers == MemoryMapped {
			buf, err := dev.MmapReservedBuffer(reserve)
			if err != nil {
				dev.Close()
				return nil, err
			}
			s.mmapBuf = buf
			s.sgFlags |= sgio.SG_FLAG_MMAP_IO
		} else if cfg.DirectIO {
			s.sgFlags |= sgio.SG_FLAG_DIRECT_IO
		}
		return s, nil
	}

	flags := unix.O_RDONLY
	if output {
		flags = unix.O_WRONLY | unix.O_CREAT
	}
	if cfg.DirectIO && s.Typ == FileTypeBlock {
		flags |= unix.O_DIRECT
	}

	fd, err := unix.Open(name, flags, 0640)
	if err != nil {
		return nil, fmt.Errorf("cannot open %s: %w", name, err)
	}
	s.fd = fd

	return s, nil
}

func (s *Side) Close() error {
	if s.Sg != nil {
		return s.Sg.Close()
	}
	if s.fd >= 0 {
		return unix.Close(s.fd)
	}
	return nil
}

// Capacity returns the endpoint size in logical blocks of the configured
// block size, or -1 when no capacity is knowable (null devices, pipes).
func (s *Side) Capacity() (int64, error) {
	switch s.Typ {
	case FileTypeSg:
		blocks, devBS, err := s.Sg.ReadCapacity()
		if err != nil {
			return 0, err
		}
		if devBS != s.blockSize {
			return 0, fmt.Errorf("%s: device block size %d does not match bs=%d",
				s.Name, devBS, s.blockSize)
		}
		return int64(blocks), nil

	case FileTypeBlock:
		if ssz, err := unix.IoctlGetInt(s.fd, unix.BLKSSZGET); err == nil && ssz != s.blockSize {
			log.Warnf("%s: logical sector size %d differs from bs=%d", s.Name, ssz, s.blockSize)
		}
		var bytes uint64
		if err := blkGetSize64(s.fd, &bytes); err != nil {
			return 0, fmt.Errorf("%s: BLKGETSIZE64: %w", s.Name, err)
		}
		return int64(bytes) / int64(s.blockSize), nil

	case FileTypeOther:
		var st unix.Stat_t
		if err := unix.Fstat(s.fd, &st); err != nil {
			return 0, fmt.Errorf("%s: fstat: %w", s.Name, err)
		}
		if st.Mode&unix.S_IFMT == unix.S_IFREG {
			return st.Size / int64(s.blockSize), nil
		}
	}

	return -1, nil
}

func blkGetSize64(fd int, bytes *uint64) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.BLKGETSIZE64,
		uintptr(unsafe.Pointer(bytes)))
	if errno != 0 {
		return errno
	}
	return nil
}

// allocBuffer returns a transfer buffer of n bytes. Direct I/O requires
// page alignment, which an anonymous mapping guarantees.
func allocBuffer(n int, direct bool) ([]byte, error) {
	if !direct {
		return make([]byte, n), nil
	}

	buf, err := unix.Mmap(-1, 0, n, unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("cannot allocate %d byte aligned buffer: %w", n, err)
	}
	return buf, nil
}

func freeBuffer(buf []byte, direct bool) {
	if direct && buf != nil {
		unix.Munmap(buf)
	}
}

// preadFull reads at off until buf is full, end of file, or an error. A
// positioned read on a regular file may legally return fewer bytes than
// asked mid-file.
func preadFull(fd int, buf []byte, off int64) (int, error) {
	got := 0
	for got < len(buf) {
		n, err := unix.Pread(fd, buf[got:], off+int64(got))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return got, err
		}
		if n == 0 {
			break
		}
		got += n
	}
	return got, nil
}

// pwriteFull writes all of buf at off, resuming after partial writes.
func pwriteFull(fd int, buf []byte, off int64) (int, error) {
	done := 0
	for done < len(buf) {
		n, err := unix.Pwrite(fd, buf[done:], off+int64(done))
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return done, err
		}
		if n == 0 {
			break
		}
		done += n
	}
	return done, nil
}
