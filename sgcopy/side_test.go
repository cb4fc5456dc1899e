// Copyright 2017-18 Daniel Swarbrick. All rights reserved.
// Use of this source code is governed by a GPL license that can be found in the LICENSE file.

package sgcopy

import (
	"os"
	"path/filepath"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestClassifyFile(t *testing.T) {
	mkdev := func(mode uint32, major, minor uint32) *unix.Stat_t {
		return &unix.Stat_t{Mode: mode, Rdev: unix.Mkdev(major, minor)}
	}

	assert.Equal(t, FileTypeSg, classifyFile(mkdev(unix.S_IFCHR, scsiGenericMajor, 0)))
	assert.Equal(t, FileTypeNull, classifyFile(mkdev(unix.S_IFCHR, memMajor, 3)))
	assert.Equal(t, FileTypeRaw, classifyFile(mkdev(unix.S_IFCHR, rawMajor, 1)))
	assert.Equal(t, FileTypeOther, classifyFile(mkdev(unix.S_IFCHR, memMajor, 5)))
	assert.Equal(t, FileTypeBlock, classifyFile(&unix.Stat_t{Mode: unix.S_IFBLK}))
	assert.Equal(t, FileTypeOther, classifyFile(&unix.Stat_t{Mode: unix.S_IFREG}))
}

func TestOpenSideRegularFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	name := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(name, make([]byte, 7*cfg.BlockSize), 0644))

	s, err := OpenSide(name, cfg, false)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, FileTypeOther, s.Typ)

	blocks, err := s.Capacity()
	require.NoError(t, err)
	assert.EqualValues(t, 7, blocks)
}

func TestOpenSideCreatesOutput(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()

	name := filepath.Join(dir, "created")
	s, err := OpenSide(name, cfg, true)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(name)
	assert.NoError(t, err)
}

func TestOpenSideNull(t *testing.T) {
	cfg := DefaultConfig()

	s, err := OpenSide("/dev/null", cfg, true)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, FileTypeNull, s.Typ)

	blocks, err := s.Capacity()
	require.NoError(t, err)
	assert.EqualValues(t, -1, blocks, "null device capacity is unknowable")
}

func TestAllocBufferAligned(t *testing.T) {
	buf, err := allocBuffer(8192, true)
	require.NoError(t, err)
	defer freeBuffer(buf, true)

	require.Len(t, buf, 8192)
	assert.Zero(t, uintptr(unsafe.Pointer(&buf[0]))%uintptr(os.Getpagesize()),
		"direct I/O buffer must be page aligned")
}

func TestPreadFull(t *testing.T) {
	dir := t.TempDir()
	data := patternData(3, 512)

	name := filepath.Join(dir, "data")
	require.NoError(t, os.WriteFile(name, data, 0644))

	fd, err := unix.Open(name, unix.O_RDONLY, 0)
	require.NoError(t, err)
	defer unix.Close(fd)

	// Exact fit.
	buf := make([]byte, len(data))
	got, err := preadFull(fd, buf, 0)
	require.NoError(t, err)
	assert.Equal(t, len(data), got)
	assert.Equal(t, data, buf)

	// Asking past the end stops at EOF instead of treating the first
	// partial return as the end of input.
	buf = make([]byte, len(data))
	got, err = preadFull(fd, buf, 512)
	require.NoError(t, err)
	assert.Equal(t, len(data)-512, got)
	assert.Equal(t, data[512:], buf[:got])

	// At EOF there is nothing left.
	got, err = preadFull(fd, buf, int64(len(data)))
	require.NoError(t, err)
	assert.Zero(t, got)
}

func TestPwriteFull(t *testing.T) {
	dir := t.TempDir()
	data := patternData(2, 512)

	name := filepath.Join(dir, "data")
	fd, err := unix.Open(name, unix.O_RDWR|unix.O_CREAT, 0644)
	require.NoError(t, err)
	defer unix.Close(fd)

	done, err := pwriteFull(fd, data, 512)
	require.NoError(t, err)
	assert.Equal(t, len(data), done)

	got, err := os.ReadFile(name)
	require.NoError(t, err)
	require.Len(t, got, 512+len(data))
	assert.Equal(t, data, got[512:])
}
