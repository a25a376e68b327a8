// Package registry implements the registry: the single small shared
// record identifying which slot (A or B) is currently active and its
// monotonic publication timestamp.
//
// The registry lives in a fixed-size named region ("current_regions", see
// pkg/region) and is written only by a loader holding the process
// barrier's pending_update_mutex, read by readers holding region_mutex
// shared - two different locks, so a Publish's write is not excluded from
// racing a concurrent Read. A header magic/version/CRC is carried
// precisely because of that: Read always detects a torn record (wrong
// magic, wrong version, or a CRC mismatch) and reports ErrCorrupt rather
// than return a half-written Snapshot. It is the caller's job to treat
// ErrCorrupt as transient and retry (pkg/datafacade does this with a
// short bounded backoff, seqlock-style) rather than as a terminal query
// failure.
package registry

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/meridian-routing/shmds/pkg/region"
)

// RegionName is the well-known name of the registry's named region.
const RegionName = "current_regions"

// Slot identifies one of the two logical storage slots, or the absence of
// an active one.
type Slot uint32

const (
	SlotNone Slot = iota
	SlotA
	SlotB
)

func (s Slot) String() string {
	switch s {
	case SlotA:
		return "A"
	case SlotB:
		return "B"
	default:
		return "NONE"
	}
}

// Other returns the slot letter that is not s, collapsing SlotNone to
// SlotA (the loader's "first load" case - see spec §4.6 step 2).
func (s Slot) Other() Slot {
	if s == SlotA {
		return SlotB
	}

	return SlotA
}

// Snapshot is an observed, consistent copy of the registry record. Per the
// Open Question in spec §9, active_layout/active_data are collapsed to a
// single ActiveSlot here; the on-disk record still carries both fields
// (kept equal), and Read rejects a record in which they differ.
type Snapshot struct {
	ActiveSlot Slot
	Timestamp  uint32
}

const (
	magic      = "REG1"
	version    = uint32(1)
	recordSize = 32 // magic(4) + version(4) + activeLayout(4) + activeData(4) + timestamp(4) + crc(4) + reserved(8)

	offMagic       = 0
	offVersion     = 4
	offActiveLayt  = 8
	offActiveData  = 12
	offTimestamp   = 16
	offCRC32       = 20
	offReservedEnd = recordSize
)

// Size is the byte size of the registry's named region.
const Size = recordSize

var (
	// ErrCorrupt means the registry region's magic, version, or CRC does
	// not validate.
	ErrCorrupt = errors.New("registry: corrupt")

	// ErrInconsistentSlots means active_layout and active_data disagree,
	// violating the invariant that they designate the same slot letter.
	ErrInconsistentSlots = errors.New("registry: active_layout/active_data disagree")
)

// Registry wraps a mapped registry region with typed Read/Publish
// operations.
type Registry struct {
	r *region.Region
}

// Open wraps an already-attached registry region. Callers are responsible
// for attaching it (read-write, since Publish needs to write) via
// pkg/region before calling Open, and for holding the appropriate barrier
// lock around Read/Publish calls.
func Open(r *region.Region) *Registry {
	return &Registry{r: r}
}

// Initialize writes a fresh, empty (SlotNone, timestamp 0) record. Callers
// must hold pending_update_mutex; this is only ever called by the loader
// the first time a registry region is created.
func (reg *Registry) Initialize() {
	reg.write(Snapshot{ActiveSlot: SlotNone, Timestamp: 0})
}

// Read returns the current registry snapshot. Callers must hold
// region_mutex shared (or stronger) for the read to be meaningful.
func (reg *Registry) Read() (Snapshot, error) {
	buf := reg.r.Bytes

	if len(buf) < recordSize {
		return Snapshot{}, fmt.Errorf("%w: region too small (%d bytes)", ErrCorrupt, len(buf))
	}

	if string(buf[offMagic:offMagic+4]) != magic {
		return Snapshot{}, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}

	if binary.LittleEndian.Uint32(buf[offVersion:]) != version {
		return Snapshot{}, fmt.Errorf("%w: unknown version", ErrCorrupt)
	}

	gotCRC := binary.LittleEndian.Uint32(buf[offCRC32:])
	if wantCRC := computeCRC(buf); gotCRC != wantCRC {
		return Snapshot{}, fmt.Errorf("%w: crc mismatch", ErrCorrupt)
	}

	activeLayout := Slot(binary.LittleEndian.Uint32(buf[offActiveLayt:]))
	activeData := Slot(binary.LittleEndian.Uint32(buf[offActiveData:]))

	if activeLayout != activeData {
		return Snapshot{}, fmt.Errorf("%w: layout=%s data=%s", ErrInconsistentSlots, activeLayout, activeData)
	}

	return Snapshot{
		ActiveSlot: activeLayout,
		Timestamp:  binary.LittleEndian.Uint32(buf[offTimestamp:]),
	}, nil
}

// Publish writes a new registry record activating slot, with the
// timestamp strictly incremented from the currently-stored value. Callers
// must hold pending_update_mutex; no other lock is taken around the write,
// and a reader racing it detects the torn record through Read's
// magic/version/CRC check (see package doc).
//
// Publish reads the existing record first; if it does not validate (a
// fresh registry region is all-zero, which decodes as an invalid magic),
// the new record gets timestamp 1.
func (reg *Registry) Publish(slot Slot) Snapshot {
	current, err := reg.Read()

	var nextTimestamp uint32
	if err == nil {
		nextTimestamp = current.Timestamp + 1
	} else {
		nextTimestamp = 1
	}

	next := Snapshot{ActiveSlot: slot, Timestamp: nextTimestamp}
	reg.write(next)

	return next
}

func (reg *Registry) write(s Snapshot) {
	buf := reg.r.Bytes[:recordSize]

	copy(buf[offMagic:offMagic+4], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], version)
	binary.LittleEndian.PutUint32(buf[offActiveLayt:], uint32(s.ActiveSlot))
	binary.LittleEndian.PutUint32(buf[offActiveData:], uint32(s.ActiveSlot))
	binary.LittleEndian.PutUint32(buf[offTimestamp:], s.Timestamp)

	for i := offCRC32; i < offReservedEnd; i++ {
		buf[i] = 0
	}

	binary.LittleEndian.PutUint32(buf[offCRC32:], computeCRC(buf))
}

func computeCRC(buf []byte) uint32 {
	tmp := make([]byte, recordSize)
	copy(tmp, buf[:recordSize])

	for i := offCRC32; i < offReservedEnd; i++ {
		tmp[i] = 0
	}

	return crc32.ChecksumIEEE(tmp)
}
