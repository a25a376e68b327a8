// Package datafacade implements the Reader Facade: the embedded component
// that a query server uses to attach to whichever dataset slot is currently
// active, re-attaching automatically whenever the loader publishes a newer
// one, and to resolve typed views over that dataset's blocks.
package datafacade

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridian-routing/shmds/pkg/barrier"
	"github.com/meridian-routing/shmds/pkg/dataset"
	"github.com/meridian-routing/shmds/pkg/layout"
	"github.com/meridian-routing/shmds/pkg/region"
	"github.com/meridian-routing/shmds/pkg/registry"
)

// readRegistryRetries/readRegistryRetryDelay bound the seqlock-style retry
// readRegistry does against a torn read: the loader writes the registry
// holding only pending_update_mutex, while a reader here holds only
// region_mutex shared (see pkg/registry's package doc), so a Publish
// landing mid-read can tear the 32-byte record. The CRC always catches a
// torn read; retrying a handful of times at a sub-millisecond interval
// rides out the write (a plain struct write, not itself retried) instead of
// surfacing it to the query as a spurious failure.
const (
	readRegistryRetries    = 10
	readRegistryRetryDelay = 100 * time.Microsecond
)

// ErrNoDatasetPublished means a query was attempted before any Loader has
// ever published a dataset into this Facade's base directory.
var ErrNoDatasetPublished = errors.New("datafacade: no dataset published")

// ErrDatasetCorrupt means the active dataset's layout or data region failed
// validation on attach (a canary mismatch, an incompatible layout format
// version, or a truncated layout region). The underlying pkg/layout error
// is wrapped alongside it.
var ErrDatasetCorrupt = errors.New("datafacade: dataset corrupt")

func layoutRegionName(slot registry.Slot) string { return "layout_" + slot.String() }
func dataRegionName(slot registry.Slot) string   { return "data_" + slot.String() }

// attachment is one live, mapped view of a published dataset's layout and
// data regions.
type attachment struct {
	layoutRegion *region.Region
	dataRegion   *region.Region
	desc         *layout.Descriptor
	snapshot     registry.Snapshot
}

// Facade attaches to datasets published under BaseDir. One Facade is meant
// to be embedded once per query-serving process and shared across all of
// that process's query goroutines.
//
// Attachments are cached per slot letter (A/B), not per snapshot: only two
// named data regions ever exist on disk at once (see pkg/loader), so at
// most two attachments are ever live here. A cache entry for a slot is
// replaced - its old mmap detached - only when that same slot's content
// changes again, which per the process barrier's drain-then-reclaim
// protocol cannot happen while any query still holds a reference into it
// (see pkg/barrier's WaitDrained/LockRegionExclusive). This is what makes
// it safe to eagerly detach the evicted entry here rather than refcounting
// queries against it.
type Facade struct {
	baseDir string
	regMgr  *region.Manager
	barrier *barrier.Barrier

	mu          sync.Mutex
	attachments map[registry.Slot]*attachment

	// attachGroup collapses concurrent resolve calls racing to attach the
	// same newly-published snapshot into a single mmap/decode, so a burst
	// of queries arriving just after a publish don't each pay the attach
	// cost independently.
	attachGroup singleflight.Group
}

// Open opens a Facade rooted at baseDir. The process barrier is opened
// eagerly so its named primitives exist even if this process only ever
// reads (never publishes).
func Open(baseDir string) (*Facade, error) {
	b, err := barrier.Open(baseDir)
	if err != nil {
		return nil, fmt.Errorf("datafacade: opening barrier: %w", err)
	}

	return &Facade{
		baseDir:     baseDir,
		regMgr:      region.NewManager(baseDir),
		barrier:     b,
		attachments: make(map[registry.Slot]*attachment),
	}, nil
}

// Close detaches every currently-mapped dataset and releases this Facade's
// handle on the process barrier's counter region.
func (f *Facade) Close() error {
	f.mu.Lock()
	for slot, a := range f.attachments {
		_ = a.layoutRegion.Detach()
		_ = a.dataRegion.Detach()
		delete(f.attachments, slot)
	}
	f.mu.Unlock()

	return f.barrier.Close()
}

// Query represents one in-flight query against a dataset snapshot. Obtain
// one with BeginQuery and always End it, typically via defer.
type Query struct {
	f       *Facade
	view    *attachment
	release func()
}

// BeginQuery acquires region_mutex shared, registers the query with the
// process barrier's query counter, and resolves the currently active
// dataset - re-attaching if the registry points at a different slot or a
// newer timestamp than whatever this Facade last attached to.
//
// The returned Query pins that dataset's attachment for its whole duration:
// even if a Loader publishes a newer dataset and reclaims this one mid-query,
// the reclaim cannot proceed past WaitDrained until this Query's End call
// releases region_mutex and decrements the counter (spec §4.5/§4.7).
func (f *Facade) BeginQuery() (*Query, error) {
	release, err := f.barrier.LockRegionShared()
	if err != nil {
		return nil, fmt.Errorf("datafacade: acquiring region_mutex (shared): %w", err)
	}

	if err := f.barrier.BeginQuery(); err != nil {
		release()
		return nil, fmt.Errorf("datafacade: registering query: %w", err)
	}

	view, err := f.resolve()
	if err != nil {
		_ = f.barrier.EndQuery()
		release()
		return nil, err
	}

	return &Query{f: f, view: view, release: release}, nil
}

// End releases region_mutex shared and decrements the query counter. Must
// be called exactly once per successful BeginQuery.
func (q *Query) End() error {
	err := q.f.barrier.EndQuery()
	q.release()

	return err
}

// Snapshot reports which slot/timestamp this query is pinned to.
func (q *Query) Snapshot() registry.Snapshot { return q.view.snapshot }

// resolve reads the registry and attaches (or re-attaches) the active
// dataset if this Facade's cached attachment for that slot is stale or
// absent.
func (f *Facade) resolve() (*attachment, error) {
	snap, err := f.readRegistry()
	if err != nil {
		return nil, err
	}

	if snap.ActiveSlot == registry.SlotNone {
		return nil, ErrNoDatasetPublished
	}

	f.mu.Lock()
	cached := f.attachments[snap.ActiveSlot]
	f.mu.Unlock()

	if cached != nil && cached.snapshot == snap {
		return cached, nil
	}

	key := fmt.Sprintf("%s@%d", snap.ActiveSlot, snap.Timestamp)

	v, err, _ := f.attachGroup.Do(key, func() (any, error) {
		return f.attach(snap)
	})
	if err != nil {
		return nil, err
	}

	return v.(*attachment), nil //nolint:forcetypeassert // attachGroup.Do's fn always returns *attachment
}

// readRegistry reads the registry, retrying a bounded number of times if
// the read lands torn by a concurrent Publish (see readRegistryRetries).
// Any other error is returned as-is; a tear that hasn't cleared after every
// retry is returned wrapped with the retry count.
func (f *Facade) readRegistry() (registry.Snapshot, error) {
	if !f.regMgr.Exists(registry.RegionName) {
		return registry.Snapshot{}, ErrNoDatasetPublished
	}

	var lastErr error

	for attempt := 0; attempt < readRegistryRetries; attempt++ {
		snap, err := f.readRegistryOnce()
		if err == nil {
			return snap, nil
		}

		if !errors.Is(err, registry.ErrCorrupt) && !errors.Is(err, registry.ErrInconsistentSlots) {
			return registry.Snapshot{}, err
		}

		lastErr = err

		time.Sleep(readRegistryRetryDelay)
	}

	return registry.Snapshot{}, fmt.Errorf("datafacade: registry still torn after %d retries: %w", readRegistryRetries, lastErr)
}

func (f *Facade) readRegistryOnce() (registry.Snapshot, error) {
	r, err := f.regMgr.AttachRead(registry.RegionName)
	if err != nil {
		return registry.Snapshot{}, fmt.Errorf("datafacade: attaching registry: %w", err)
	}
	defer r.Detach()

	reg := registry.Open(r)

	return reg.Read()
}

// attach maps the layout and data regions for snap's slot, decodes the
// layout descriptor, and stores the result as this Facade's cached
// attachment for that slot letter, detaching whatever was mapped there
// before.
func (f *Facade) attach(snap registry.Snapshot) (*attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Another goroutine may have already raced us to the same attach.
	if existing := f.attachments[snap.ActiveSlot]; existing != nil && existing.snapshot == snap {
		return existing, nil
	}

	layoutRegion, err := f.regMgr.AttachRead(layoutRegionName(snap.ActiveSlot))
	if err != nil {
		return nil, fmt.Errorf("datafacade: attaching layout region: %w", err)
	}

	desc, err := layout.Decode(layoutRegion.Bytes)
	if err != nil {
		_ = layoutRegion.Detach()
		return nil, fmt.Errorf("%w: decoding layout: %w", ErrDatasetCorrupt, err)
	}

	dataRegion, err := f.regMgr.AttachRead(dataRegionName(snap.ActiveSlot))
	if err != nil {
		_ = layoutRegion.Detach()
		return nil, fmt.Errorf("datafacade: attaching data region: %w", err)
	}

	if err := verifyCanaries(dataRegion.Bytes, desc); err != nil {
		_ = layoutRegion.Detach()
		_ = dataRegion.Detach()
		return nil, fmt.Errorf("%w: %w", ErrDatasetCorrupt, err)
	}

	next := &attachment{layoutRegion: layoutRegion, dataRegion: dataRegion, desc: desc, snapshot: snap}

	if prev := f.attachments[snap.ActiveSlot]; prev != nil {
		_ = prev.layoutRegion.Detach()
		_ = prev.dataRegion.Detach()
	}

	f.attachments[snap.ActiveSlot] = next

	return next, nil
}

func verifyCanaries(data []byte, desc *layout.Descriptor) error {
	for id := layout.BlockID(0); id < layout.NumBlocks; id++ {
		if _, err := desc.BlockBytes(data, id, layout.ModeRead); err != nil {
			return err
		}
	}

	return nil
}

// block resolves a named block's bytes within this query's pinned dataset.
func (q *Query) block(id layout.BlockID) ([]byte, error) {
	return q.view.desc.BlockBytes(q.view.dataRegion.Bytes, id, layout.ModeRead)
}

// Coordinates returns the CoordinateList block as a typed slice.
func (q *Query) Coordinates() ([]dataset.Coordinate, error) {
	b, err := q.block(layout.CoordinateList)
	if err != nil {
		return nil, err
	}

	out := make([]dataset.Coordinate, len(b)/dataset.CoordinateSize)
	for i := range out {
		off := i * dataset.CoordinateSize
		out[i] = dataset.Coordinate{
			Lat: int32(binary.LittleEndian.Uint32(b[off:])),
			Lon: int32(binary.LittleEndian.Uint32(b[off+4:])),
		}
	}

	return out, nil
}

// GraphEdges returns the GraphEdgeList block as a typed slice.
func (q *Query) GraphEdges() ([]dataset.GraphEdge, error) {
	b, err := q.block(layout.GraphEdgeList)
	if err != nil {
		return nil, err
	}

	out := make([]dataset.GraphEdge, len(b)/dataset.GraphEdgeSize)
	for i := range out {
		off := i * dataset.GraphEdgeSize
		out[i] = dataset.GraphEdge{
			Target: binary.LittleEndian.Uint32(b[off:]),
			Weight: binary.LittleEndian.Uint32(b[off+4:]),
		}
	}

	return out, nil
}

// GraphNodeOffsets returns the GraphNodeList CSR offset array.
func (q *Query) GraphNodeOffsets() ([]uint32, error) {
	return q.uint32Slice(layout.GraphNodeList)
}

// NameOffsets returns the NameOffsets array.
func (q *Query) NameOffsets() ([]uint32, error) {
	return q.uint32Slice(layout.NameOffsets)
}

// NameIDs returns the per-edge NameIDList array.
func (q *Query) NameIDs() ([]uint32, error) {
	return q.uint32Slice(layout.NameIDList)
}

// GeometriesIndex returns the per-edge GeometriesIndex array.
func (q *Query) GeometriesIndex() ([]uint32, error) {
	return q.uint32Slice(layout.GeometriesIndex)
}

func (q *Query) uint32Slice(id layout.BlockID) ([]uint32, error) {
	b, err := q.block(id)
	if err != nil {
		return nil, err
	}

	out := make([]uint32, len(b)/4)
	for i := range out {
		out[i] = binary.LittleEndian.Uint32(b[i*4:])
	}

	return out, nil
}

// Name looks up a street name by its NameIDList index, resolving through
// NameOffsets/NameCharList.
func (q *Query) Name(nameID uint32) (string, error) {
	offsets, err := q.NameOffsets()
	if err != nil {
		return "", err
	}

	if int(nameID)+1 >= len(offsets) {
		return "", fmt.Errorf("datafacade: name id %d out of range", nameID)
	}

	chars, err := q.block(layout.NameCharList)
	if err != nil {
		return "", err
	}

	start, end := offsets[nameID], offsets[nameID+1]
	if end > uint32(len(chars)) || start > end {
		return "", fmt.Errorf("datafacade: name id %d has invalid offsets [%d,%d)", nameID, start, end)
	}

	return string(chars[start:end]), nil
}

// TurnInstruction returns one edge's turn instruction byte.
func (q *Query) TurnInstruction(edgeID uint32) (byte, error) {
	b, err := q.block(layout.TurnInstruction)
	if err != nil {
		return 0, err
	}

	if int(edgeID) >= len(b) {
		return 0, fmt.Errorf("datafacade: edge id %d out of range", edgeID)
	}

	return b[edgeID], nil
}

// TravelMode returns one edge's travel mode byte.
func (q *Query) TravelMode(edgeID uint32) (byte, error) {
	b, err := q.block(layout.TravelMode)
	if err != nil {
		return 0, err
	}

	if int(edgeID) >= len(b) {
		return 0, fmt.Errorf("datafacade: edge id %d out of range", edgeID)
	}

	return b[edgeID], nil
}

// IsCoreNode reports whether a node's CoreMarker bit is set.
func (q *Query) IsCoreNode(nodeID uint32) (bool, error) {
	return q.bitsetBit(layout.CoreMarker, nodeID)
}

// IsGeometryCompressed reports whether a geometry point's
// GeometriesIndicators bit is set.
func (q *Query) IsGeometryCompressed(pointID uint32) (bool, error) {
	return q.bitsetBit(layout.GeometriesIndicators, pointID)
}

func (q *Query) bitsetBit(id layout.BlockID, bitIndex uint32) (bool, error) {
	b, err := q.block(id)
	if err != nil {
		return false, err
	}

	word := bitIndex / 32
	bit := bitIndex % 32

	off := int(word) * 4
	if off+4 > len(b) {
		return false, fmt.Errorf("datafacade: bit index %d out of range", bitIndex)
	}

	v := binary.LittleEndian.Uint32(b[off:])

	return v&(1<<bit) != 0, nil
}

// Timestamp returns the dataset's embedded timestamp block (distinct from
// the registry's own publication timestamp).
func (q *Query) Timestamp() (uint32, error) {
	b, err := q.block(layout.Timestamp)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

// FileIndexPath returns the r-tree leaf file path stored verbatim in the
// FileIndexPath block.
func (q *Query) FileIndexPath() (string, error) {
	b, err := q.block(layout.FileIndexPath)
	if err != nil {
		return "", err
	}

	return string(b), nil
}

// RSearchTree returns the opaque r-tree node bytes.
func (q *Query) RSearchTree() ([]byte, error) {
	return q.block(layout.RSearchTree)
}
