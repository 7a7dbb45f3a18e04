// Package hdm resolves host physical addresses to interleave targets the way
// a host-managed device memory decoder does: the interleave granularity
// selects a block of address bits, and those bits modulo the way count pick
// the target port.
package hdm

import (
	"errors"
	"fmt"
)

var ErrBadEncoding = errors.New("hdm: invalid interleave encoding")

const (
	// granularity encodings map to 256 << enc bytes
	minGranularity    = 256
	maxGranularityEnc = 6 // 16 KiB

	maxWaysEnc = 4 // 16-way

	ctrlCommitted = 1 << 10
)

// DecodeGranularity returns the interleave granularity in bytes for an
// encoded IG field.
func DecodeGranularity(enc uint8) (uint64, error) {
	if enc > maxGranularityEnc {
		return 0, fmt.Errorf("%w: granularity encoding %d", ErrBadEncoding, enc)
	}
	return minGranularity << enc, nil
}

// EncodeGranularity returns the IG encoding for a granularity in bytes.
func EncodeGranularity(bytes uint64) (uint8, error) {
	for enc := uint8(0); enc <= maxGranularityEnc; enc++ {
		if bytes == minGranularity<<enc {
			return enc, nil
		}
	}
	return 0, fmt.Errorf("%w: granularity %d bytes", ErrBadEncoding, bytes)
}

// DecodeWays returns the way count for an encoded IW field.
func DecodeWays(enc uint8) (int, error) {
	if enc > maxWaysEnc {
		return 0, fmt.Errorf("%w: ways encoding %d", ErrBadEncoding, enc)
	}
	return 1 << enc, nil
}

// EncodeWays returns the IW encoding for a way count. Only powers of two up
// to 16 interleave.
func EncodeWays(ways int) (uint8, error) {
	for enc := uint8(0); enc <= maxWaysEnc; enc++ {
		if ways == 1<<enc {
			return enc, nil
		}
	}
	return 0, fmt.Errorf("%w: %d ways", ErrBadEncoding, ways)
}

// TargetIndex computes which interleave target serves addr, given the
// encoded granularity and way fields. addr is relative observers' choice;
// only bits above the granularity participate.
func TargetIndex(addr uint64, granularityEnc, waysEnc uint8) (int, error) {
	gran, err := DecodeGranularity(granularityEnc)
	if err != nil {
		return 0, err
	}
	ways, err := DecodeWays(waysEnc)
	if err != nil {
		return 0, err
	}
	return int((addr / gran) % uint64(ways)), nil
}

// Decoder is a programmed decoder register set: a control word and the
// packed target port list.
type Decoder struct {
	Ctrl         uint32
	TargetListLo uint32 // ports 0..3, 8 bits each
	TargetListHi uint32 // ports 4..7
}

// Committed reports whether the decoder has been committed and may route.
func (d *Decoder) Committed() bool {
	return d.Ctrl&ctrlCommitted != 0
}

// GranularityEnc extracts the encoded interleave granularity.
func (d *Decoder) GranularityEnc() uint8 {
	return uint8(d.Ctrl & 0xF)
}

// WaysEnc extracts the encoded interleave way count.
func (d *Decoder) WaysEnc() uint8 {
	return uint8(d.Ctrl>>4) & 0xF
}

// Target resolves addr to a downstream port. It returns false when the
// decoder is not committed or its fields are malformed; traffic must not be
// routed through an uncommitted decoder.
func (d *Decoder) Target(addr uint64) (uint8, bool) {
	if !d.Committed() {
		return 0, false
	}
	idx, err := TargetIndex(addr, d.GranularityEnc(), d.WaysEnc())
	if err != nil {
		return 0, false
	}
	list := d.TargetListLo
	if idx >= 4 {
		list = d.TargetListHi
		idx -= 4
	}
	return uint8(list >> (8 * idx)), true
}
