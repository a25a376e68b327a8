// Package layout describes and navigates the block layout of a dataset's
// data region: the fixed enumeration of named blocks, their sizes, their
// byte offsets, and the canary sentinels bracketing every block.
//
// A Descriptor is populated in two passes (see pkg/sourcereader): first
// SetBlockSize is called once per block to record its element count and
// width, then the descriptor is used to size and navigate the data region.
package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// BlockID identifies one of the fixed set of named blocks that make up a
// dataset. Order is part of the on-wire contract - producers and consumers
// must agree on it bit-for-bit.
type BlockID int

const (
	NameOffsets BlockID = iota
	NameBlocks
	NameCharList
	NameIDList
	ViaNodeList
	GraphNodeList
	GraphEdgeList
	CoordinateList
	TurnInstruction
	TravelMode
	RSearchTree
	GeometriesIndex
	GeometriesList
	GeometriesIndicators
	HSGRChecksum
	Timestamp
	FileIndexPath
	CoreMarker

	NumBlocks
)

var blockNames = [NumBlocks]string{
	"name_offsets",
	"name_blocks",
	"name_char_list",
	"name_id_list",
	"via_node_list",
	"graph_node_list",
	"graph_edge_list",
	"coordinate_list",
	"turn_instruction",
	"travel_mode",
	"r_search_tree",
	"geometries_index",
	"geometries_list",
	"geometries_indicators",
	"hsgr_checksum",
	"timestamp",
	"file_index_path",
	"core_marker",
}

// String returns the on-wire block name.
func (b BlockID) String() string {
	if b < 0 || b >= NumBlocks {
		return fmt.Sprintf("BlockID(%d)", int(b))
	}

	return blockNames[b]
}

// Canary is the sentinel written immediately before and after every block,
// and once at the very start of the data region.
//
// Width decision (spec ambiguity, resolved): this is the 5-byte
// sizeof("OSRM") form (including the trailing NUL), matching the original
// C++ implementation. The width is a build-time constant, never read off
// the wire, so producer and consumer always agree.
const Canary = "OSRM\x00"

// CanarySize is len(Canary), kept as a named constant since offset and
// size arithmetic throughout this package reads better with a name than a
// repeated len(Canary).
const CanarySize = len(Canary)

// bitsetWordSize is the element width (bytes) of the two bitset blocks'
// backing words; their storage size is computed in words, not elements.
const bitsetWordSize = 4

// FormatVersion is embedded at the start of the serialized layout region so
// a reader can detect an incompatible producer (see Decode).
const FormatVersion uint32 = 1

var (
	// ErrCorruptStartCanary means the canary immediately before a block's
	// first byte does not match Canary.
	ErrCorruptStartCanary = errors.New("layout: corrupt start canary")

	// ErrCorruptEndCanary means the canary immediately after a block's
	// last byte does not match Canary.
	ErrCorruptEndCanary = errors.New("layout: corrupt end canary")

	// ErrIncompatibleVersion means the serialized layout region's format
	// version does not match FormatVersion.
	ErrIncompatibleVersion = errors.New("layout: incompatible format version")

	// ErrTruncated means a buffer passed to Decode or BlockBytes is too
	// short for the operation requested.
	ErrTruncated = errors.New("layout: truncated buffer")

	// ErrBlockNotSized classifies a block id for which SetBlockSize was
	// never called. No function in this package returns it: BlockSize and
	// BlockOffset treat such a block as zero bytes long.
	ErrBlockNotSized = errors.New("layout: block size never set")
)

// Descriptor holds, for every block, its element count and element width.
// It is itself a fixed-size record: serializing it is just copying the two
// backing arrays.
type Descriptor struct {
	numEntries [NumBlocks]uint64
	entrySize  [NumBlocks]uint64
	sized      [NumBlocks]bool
}

// SetBlockSize records the element count and width for a block. Must be
// called exactly once per block before BlockSize/BlockOffset/SizeOfLayout
// are consulted for it.
func (d *Descriptor) SetBlockSize(id BlockID, numEntries, entrySize uint64) {
	d.numEntries[id] = numEntries
	d.entrySize[id] = entrySize
	d.sized[id] = true
}

// NumEntries returns the element count recorded for a block.
func (d *Descriptor) NumEntries(id BlockID) uint64 { return d.numEntries[id] }

// isBitset reports whether id uses the bitset sizing rule.
func isBitset(id BlockID) bool {
	return id == GeometriesIndicators || id == CoreMarker
}

// BlockSize returns the byte length of a block. GeometriesIndicators and
// CoreMarker are bitsets: their storage is (num_entries/32 + 1) words of
// entrySize bytes (entrySize is expected to be 4, the bit-chunk width).
func (d *Descriptor) BlockSize(id BlockID) uint64 {
	if isBitset(id) {
		return (d.numEntries[id]/32 + 1) * d.entrySize[id]
	}

	return d.numEntries[id] * d.entrySize[id]
}

// BlockOffset returns the byte offset of block id's first data byte within
// the data region, i.e. past the data region's leading canary and every
// prior block plus its two bracketing canaries.
func (d *Descriptor) BlockOffset(id BlockID) uint64 {
	offset := uint64(CanarySize)

	for i := BlockID(0); i < id; i++ {
		offset += d.BlockSize(i) + 2*uint64(CanarySize)
	}

	return offset
}

// SizeOfLayout returns the total byte size of the data region, including
// every bracketing canary and the one leading canary.
func (d *Descriptor) SizeOfLayout() uint64 {
	return d.BlockOffset(NumBlocks) + uint64(NumBlocks)*2*uint64(CanarySize)
}

// Mode selects whether BlockBytes writes or verifies canaries.
type Mode int

const (
	// ModeRead verifies both bracketing canaries and returns
	// ErrCorruptStartCanary/ErrCorruptEndCanary on mismatch.
	ModeRead Mode = iota
	// ModeWrite writes both bracketing canaries unconditionally.
	ModeWrite
)

// BlockBytes resolves the byte slice for block id within region, a data
// region byte slice sized exactly SizeOfLayout(). In ModeWrite it writes the
// two bracketing canaries; in ModeRead it verifies them.
func (d *Descriptor) BlockBytes(region []byte, id BlockID, mode Mode) ([]byte, error) {
	offset := d.BlockOffset(id)
	size := d.BlockSize(id)

	startCanaryAt := offset - uint64(CanarySize)
	endCanaryAt := offset + size

	if endCanaryAt+uint64(CanarySize) > uint64(len(region)) {
		return nil, fmt.Errorf("%w: block %s extends past region end", ErrTruncated, id)
	}

	switch mode {
	case ModeWrite:
		copy(region[startCanaryAt:startCanaryAt+uint64(CanarySize)], Canary)
		copy(region[endCanaryAt:endCanaryAt+uint64(CanarySize)], Canary)
	case ModeRead:
		if string(region[startCanaryAt:startCanaryAt+uint64(CanarySize)]) != Canary {
			return nil, fmt.Errorf("%w: block %s", ErrCorruptStartCanary, id)
		}

		if string(region[endCanaryAt:endCanaryAt+uint64(CanarySize)]) != Canary {
			return nil, fmt.Errorf("%w: block %s", ErrCorruptEndCanary, id)
		}
	}

	return region[offset:endCanaryAt:endCanaryAt], nil
}

// encodedArraysSize is the byte size of the two uint64 arrays that make up
// a Descriptor's on-wire payload (excluding the version header).
const encodedArraysSize = int(NumBlocks) * 8 * 2

// headerSize is the byte size of the version header prefixed to every
// serialized layout region: a format version plus 4 reserved bytes, kept
// 8-byte aligned so the arrays that follow start on an aligned boundary.
const headerSize = 8

// EncodedSize is the total byte length produced by Encode / expected by
// Decode.
const EncodedSize = headerSize + encodedArraysSize

// Encode serializes the descriptor: a format-version header followed by the
// num_entries array and the entry_size array, in block-id order.
func (d *Descriptor) Encode() []byte {
	buf := make([]byte, EncodedSize)

	binary.LittleEndian.PutUint32(buf[0:4], FormatVersion)
	// buf[4:8] reserved, left zero.

	off := headerSize
	for i := range d.numEntries {
		binary.LittleEndian.PutUint64(buf[off:off+8], d.numEntries[i])
		off += 8
	}

	for i := range d.entrySize {
		binary.LittleEndian.PutUint64(buf[off:off+8], d.entrySize[i])
		off += 8
	}

	return buf
}

// Decode deserializes a layout region produced by Encode. Returns
// ErrIncompatibleVersion if the embedded format version doesn't match
// FormatVersion, or ErrTruncated if buf is too short.
func Decode(buf []byte) (*Descriptor, error) {
	if len(buf) < EncodedSize {
		return nil, fmt.Errorf("%w: layout region is %d bytes, want %d", ErrTruncated, len(buf), EncodedSize)
	}

	version := binary.LittleEndian.Uint32(buf[0:4])
	if version != FormatVersion {
		return nil, fmt.Errorf("%w: got version %d, want %d", ErrIncompatibleVersion, version, FormatVersion)
	}

	d := &Descriptor{}

	off := headerSize
	for i := range d.numEntries {
		d.numEntries[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		d.sized[i] = true
		off += 8
	}

	for i := range d.entrySize {
		d.entrySize[i] = binary.LittleEndian.Uint64(buf[off : off+8])
		off += 8
	}

	return d, nil
}
