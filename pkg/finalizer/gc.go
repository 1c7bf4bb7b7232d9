package finalizer

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/storage"
	"github.com/nbforge/hatchery/pkg/types"
)

// GC removes asset files whose lease has expired and which the notebook
// no longer references. Both conditions are required: an expired lease
// on a still-referenced asset only means no session has touched it
// lately, not that it is garbage.
type GC struct {
	store  storage.Store
	logger zerolog.Logger
}

// NewGC builds the asset collector.
func NewGC(store storage.Store) *GC {
	return &GC{store: store, logger: log.WithComponent("asset-gc")}
}

// Collect sweeps one notebook's assets. Invoked explicitly around
// session stop and restart rather than on a background cadence.
func (g *GC) Collect(notebookPath string) (int, error) {
	leases, err := g.store.LeasesFor(notebookPath)
	if err != nil {
		return 0, err
	}
	return g.sweep(notebookPath, leases), nil
}

// CollectExpired sweeps expired leases across every notebook, used at
// startup recovery.
func (g *GC) CollectExpired() (int, error) {
	expired, err := g.store.ExpiredAssets(time.Now().UTC())
	if err != nil {
		return 0, err
	}
	byNotebook := make(map[string][]*types.AssetLease)
	for _, lease := range expired {
		byNotebook[lease.NotebookPath] = append(byNotebook[lease.NotebookPath], lease)
	}
	removed := 0
	for nbPath, leases := range byNotebook {
		removed += g.sweep(nbPath, leases)
	}
	return removed, nil
}

func (g *GC) sweep(notebookPath string, leases []*types.AssetLease) int {
	now := time.Now().UTC()
	referenced, ok := referencedAssets(notebookPath)
	if !ok {
		// The notebook exists but cannot be parsed; without knowing
		// what it references nothing is safe to delete.
		g.logger.Warn().Str("notebook", notebookPath).Msg("unreadable notebook, skipping asset sweep")
		return 0
	}
	removed := 0
	for _, lease := range leases {
		if lease.LeaseExpires.After(now) {
			continue
		}
		if referenced[lease.AssetPath] {
			continue
		}
		if err := os.Remove(lease.AssetPath); err != nil && !os.IsNotExist(err) {
			g.logger.Warn().Str("asset", lease.AssetPath).Err(err).Msg("cannot remove expired asset")
			continue
		}
		if err := g.store.DeleteLease(lease.AssetPath); err != nil {
			g.logger.Warn().Str("asset", lease.AssetPath).Err(err).Msg("cannot delete lease")
		}
		metrics.AssetsPrunedTotal.Inc()
		removed++
	}
	if removed > 0 {
		g.logger.Info().Str("notebook", notebookPath).Int("removed", removed).Msg("collected expired assets")
	}
	return removed
}

// referencedAssets returns the absolute paths of every asset the
// notebook on disk still points at. A deleted notebook references
// nothing, so its assets become collectable; an existing notebook that
// fails to parse reports ok=false and the sweep is skipped.
func referencedAssets(notebookPath string) (map[string]bool, bool) {
	refs := make(map[string]bool)
	nb, err := notebook.Read(notebookPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return refs, true
		}
		return refs, false
	}
	dir := filepath.Dir(notebookPath)
	for ci := range nb.Cells {
		for oi := range nb.Cells[ci].Outputs {
			out := &nb.Cells[ci].Outputs[oi]
			for _, key := range []string{"asset", "hatchery_asset"} {
				entry, ok := out.Metadata[key].(map[string]interface{})
				if !ok {
					continue
				}
				if rel, ok := entry["path"].(string); ok && rel != "" {
					refs[filepath.Join(dir, rel)] = true
				}
			}
		}
	}
	return refs, true
}
