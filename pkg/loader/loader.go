// Package loader implements the Loader: the one-shot process that parses a
// dataset's source input files, publishes them into the inactive slot, and
// reclaims the previously active slot once readers have drained.
//
// A Loader run is a single call to Publish; the CLI in cmd/shmload is a thin
// flag-parsing wrapper around it.
package loader

import (
	"context"
	"fmt"

	"github.com/meridian-routing/shmds/pkg/barrier"
	"github.com/meridian-routing/shmds/pkg/layout"
	"github.com/meridian-routing/shmds/pkg/region"
	"github.com/meridian-routing/shmds/pkg/registry"
	"github.com/meridian-routing/shmds/pkg/sourcereader"
)

// layoutRegionName/dataRegionName return the per-slot named regions a
// dataset's layout descriptor and block bytes live in.
func layoutRegionName(slot registry.Slot) string {
	return "layout_" + slot.String()
}

func dataRegionName(slot registry.Slot) string {
	return "data_" + slot.String()
}

// Loader publishes datasets into named regions rooted at BaseDir, guarded by
// the process barrier also rooted there.
type Loader struct {
	BaseDir string
}

// New returns a Loader rooted at baseDir. baseDir must be the same directory
// a corresponding datafacade.Facade is configured with.
func New(baseDir string) *Loader {
	return &Loader{BaseDir: baseDir}
}

// Result reports the outcome of a successful Publish.
type Result struct {
	Slot      registry.Slot
	Timestamp uint32
}

// Publish runs the full loader algorithm: determine the target (inactive)
// slot, size and fill it from paths, publish the registry pointing readers
// at it, and reclaim the slot that was active before this call once readers
// have drained from it.
//
// The whole operation, including the final reclaim, runs under
// pending_update_mutex: pending_update_mutex is not released between the
// registry swap and the reclaim, so a second concurrent Publish call blocks
// until the first has both published its slot and reclaimed the previous
// one. Reclaim happens after the registry swap is visible to readers and
// takes region_mutex exclusive only after WaitDrained observes zero
// in-flight queries (the counter covers queries against either slot).
func (l *Loader) Publish(ctx context.Context, paths sourcereader.SourcePaths) (Result, error) {
	b, err := barrier.Open(l.BaseDir)
	if err != nil {
		return Result{}, fmt.Errorf("loader: opening barrier: %w", err)
	}
	defer b.Close()

	release, err := b.BeginPublish()
	if err != nil {
		return Result{}, fmt.Errorf("loader: acquiring pending_update_mutex: %w", err)
	}
	defer release()

	// Pass 1: size the layout from the source files, before the registry
	// region is created or written, so a source error leaves it untouched.
	desc, err := sourcereader.Size(paths)
	if err != nil {
		return Result{}, fmt.Errorf("loader: sizing dataset: %w", err)
	}

	regMgr := region.NewManager(l.BaseDir)

	if err := regMgr.OpenOrCreate(registry.RegionName, registry.Size); err != nil {
		return Result{}, fmt.Errorf("loader: creating registry region: %w", err)
	}

	regRegion, err := regMgr.AttachWrite(registry.RegionName)
	if err != nil {
		return Result{}, fmt.Errorf("loader: attaching registry region: %w", err)
	}
	defer regRegion.Detach()

	reg := registry.Open(regRegion)

	current, err := reg.Read()
	if err != nil {
		// A fresh, never-published registry region reads back as corrupt
		// (all-zero bytes have no valid magic) - that is the expected state
		// before the very first Publish, not an error to surface.
		current = registry.Snapshot{ActiveSlot: registry.SlotNone, Timestamp: 0}
		reg.Initialize()
	}

	target := current.ActiveSlot.Other()

	if err := regMgr.OpenOrCreate(layoutRegionName(target), int64(layout.EncodedSize)); err != nil {
		return Result{}, fmt.Errorf("loader: creating layout region: %w", err)
	}

	if err := regMgr.OpenOrCreate(dataRegionName(target), int64(desc.SizeOfLayout())); err != nil {
		return Result{}, fmt.Errorf("loader: creating data region: %w", err)
	}

	layoutRegion, err := regMgr.AttachWrite(layoutRegionName(target))
	if err != nil {
		return Result{}, fmt.Errorf("loader: attaching layout region: %w", err)
	}
	defer layoutRegion.Detach()

	dataRegion, err := regMgr.AttachWrite(dataRegionName(target))
	if err != nil {
		return Result{}, fmt.Errorf("loader: attaching data region: %w", err)
	}
	defer dataRegion.Detach()

	copy(layoutRegion.Bytes, desc.Encode())

	// Pass 2: fill the data region's block contents and stamp canaries.
	if err := sourcereader.Fill(dataRegion.Bytes, desc, paths); err != nil {
		return Result{}, fmt.Errorf("loader: filling dataset: %w", err)
	}

	if err := verifyCanaries(dataRegion.Bytes, desc); err != nil {
		return Result{}, fmt.Errorf("loader: freshly filled region failed self-check: %w", err)
	}

	published := reg.Publish(target)

	previous := current.ActiveSlot
	if previous == registry.SlotNone {
		return Result{Slot: published.ActiveSlot, Timestamp: published.Timestamp}, nil
	}

	if err := l.reclaim(ctx, b, regMgr, previous); err != nil {
		return Result{}, fmt.Errorf("loader: reclaiming previous slot %s: %w", previous, err)
	}

	return Result{Slot: published.ActiveSlot, Timestamp: published.Timestamp}, nil
}

// verifyCanaries re-checks every block's bracketing canaries in ModeRead
// right after Fill, so a bug in Fill's offset arithmetic is caught before
// the registry swap makes the region visible to readers, not after.
func verifyCanaries(data []byte, desc *layout.Descriptor) error {
	for id := layout.BlockID(0); id < layout.NumBlocks; id++ {
		if _, err := desc.BlockBytes(data, id, layout.ModeRead); err != nil {
			return err
		}
	}

	return nil
}

// reclaim waits for in-flight queries against slot to drain, then takes
// region_mutex exclusive and removes its named regions, freeing them for
// the next Publish to recreate at whatever size that run needs.
func (l *Loader) reclaim(ctx context.Context, b *barrier.Barrier, regMgr *region.Manager, slot registry.Slot) error {
	if err := b.WaitDrained(ctx); err != nil {
		return fmt.Errorf("waiting for readers to drain: %w", err)
	}

	release, err := b.LockRegionExclusive()
	if err != nil {
		return fmt.Errorf("acquiring region_mutex exclusive: %w", err)
	}
	defer release()

	if err := regMgr.Remove(layoutRegionName(slot)); err != nil {
		return fmt.Errorf("removing layout region: %w", err)
	}

	if err := regMgr.Remove(dataRegionName(slot)); err != nil {
		return fmt.Errorf("removing data region: %w", err)
	}

	return nil
}
