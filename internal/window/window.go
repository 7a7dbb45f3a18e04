// Package window exposes a range of host physical address space backed by
// interleaved remote device memory. Accesses are routed to the target whose
// interleave slot covers the address, with the device's cache-line granule
// bridged to arbitrary small accesses by read-modify-write.
package window

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/hkwon/cxlink/internal/hdm"
	"github.com/hkwon/cxlink/internal/protocol"
)

// SizeUnit is the required granule of a window's size.
const SizeUnit = 256 << 20 // 256 MiB

var (
	ErrBadGeometry = errors.New("window: invalid geometry")
	ErrOutOfRange  = errors.New("window: address outside the window")
)

// Target is one interleave member: anything that can move cache lines at
// host physical addresses.
type Target interface {
	MemRead(hpa uint64) ([]byte, error)
	MemWrite(hpa uint64, line []byte) error
}

// Window maps [Base, Base+Size) onto a set of interleaved targets.
type Window struct {
	base    uint64
	size    uint64
	granEnc uint8
	waysEnc uint8
	targets []Target
	log     zerolog.Logger
}

// New builds a window. size must be a positive multiple of SizeUnit,
// granularity one of the encodable values, and the target count a power of
// two up to 16.
func New(base, size, granularity uint64, targets []Target, log zerolog.Logger) (*Window, error) {
	if size == 0 || size%SizeUnit != 0 {
		return nil, fmt.Errorf("%w: size %#x not a multiple of %#x", ErrBadGeometry, size, uint64(SizeUnit))
	}
	granEnc, err := hdm.EncodeGranularity(granularity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGeometry, err)
	}
	waysEnc, err := hdm.EncodeWays(len(targets))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadGeometry, err)
	}
	return &Window{
		base:    base,
		size:    size,
		granEnc: granEnc,
		waysEnc: waysEnc,
		targets: targets,
		log:     log,
	}, nil
}

// Base returns the window's first host physical address.
func (w *Window) Base() uint64 { return w.base }

// Size returns the window's span in bytes.
func (w *Window) Size() uint64 { return w.size }

// Contains reports whether addr falls inside the window.
func (w *Window) Contains(addr uint64) bool {
	return addr >= w.base && addr < w.base+w.size
}

// target routes addr to its interleave member.
func (w *Window) target(addr uint64) (Target, error) {
	if !w.Contains(addr) {
		return nil, fmt.Errorf("%w: %#x", ErrOutOfRange, addr)
	}
	idx, err := hdm.TargetIndex(addr, w.granEnc, w.waysEnc)
	if err != nil {
		return nil, err
	}
	return w.targets[idx], nil
}

// Read returns size bytes (1, 2, 4 or 8) at addr. A failed access reads back
// as all-ones, the way an aborted bus access does; ok distinguishes that
// from genuine all-ones data.
func (w *Window) Read(addr uint64, size int) (val uint64, ok bool) {
	line, off, err := w.readLine(addr, size)
	if err != nil {
		w.log.Warn().Err(err).Uint64("addr", addr).Msg("window read failed")
		return allOnes(size), false
	}
	return getLE(line[off : off+size]), true
}

// Write stores size bytes (1, 2, 4 or 8) of val at addr, read-modify-writing
// the containing cache line. Failed writes are dropped; the device either
// saw the whole line or nothing.
func (w *Window) Write(addr uint64, val uint64, size int) {
	line, off, err := w.readLine(addr, size)
	if err != nil {
		w.log.Warn().Err(err).Uint64("addr", addr).Msg("window write dropped")
		return
	}
	putLE(line[off:off+size], val, size)

	lineAddr := addr &^ uint64(protocol.MemAccessUnit-1)
	tgt, _ := w.target(addr)
	if err := tgt.MemWrite(lineAddr, line); err != nil {
		w.log.Warn().Err(err).Uint64("addr", addr).Msg("window write dropped")
	}
}

// readLine fetches the cache line containing [addr, addr+size) and the
// offset of addr within it.
func (w *Window) readLine(addr uint64, size int) ([]byte, int, error) {
	if !validSize(size) {
		return nil, 0, fmt.Errorf("%w: access size %d", ErrBadGeometry, size)
	}
	off := int(addr % protocol.MemAccessUnit)
	if off+size > protocol.MemAccessUnit {
		return nil, 0, fmt.Errorf("%w: access at %#x crosses a cache line", ErrBadGeometry, addr)
	}
	tgt, err := w.target(addr)
	if err != nil {
		return nil, 0, err
	}
	line, err := tgt.MemRead(addr &^ uint64(protocol.MemAccessUnit-1))
	if err != nil {
		return nil, 0, err
	}
	return line, off, nil
}

func validSize(size int) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

func allOnes(size int) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return 1<<(8*size) - 1
}

func getLE(b []byte) uint64 {
	switch len(b) {
	case 1:
		return uint64(b[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(b))
	case 4:
		return uint64(binary.LittleEndian.Uint32(b))
	default:
		return binary.LittleEndian.Uint64(b)
	}
}

func putLE(b []byte, val uint64, size int) {
	switch size {
	case 1:
		b[0] = byte(val)
	case 2:
		binary.LittleEndian.PutUint16(b, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(b, uint32(val))
	default:
		binary.LittleEndian.PutUint64(b, val)
	}
}
