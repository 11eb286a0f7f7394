// Package indexer implements the event-driven writer that consumes
// per-session change events, keeps the catalog in sync with the
// filesystem, and re-embeds changed textual assets into the vector
// store. It owns the per-event pipeline and the pause/resume protocol
// the Maintenance Coordinator fences writers with.
package indexer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"movesia-index/internal/catalog"
	"movesia-index/internal/chunking"
	"movesia-index/internal/config"
	"movesia-index/internal/core"
	"movesia-index/internal/embeddings"
	"movesia-index/internal/logging"
	"movesia-index/internal/progress"
	"movesia-index/internal/vectorstore"
	"movesia-index/pkg/types"
)

// VectorWriter is the subset of the Vector Store Gateway the Indexer
// depends on. *vectorstore.Gateway satisfies it; tests substitute a fake.
type VectorWriter interface {
	DeleteByPath(ctx context.Context, relPath string) error
	DeleteByGUID(ctx context.Context, guid string) error
	UpsertPoints(ctx context.Context, points []types.VectorPoint) error
}

var _ VectorWriter = (*vectorstore.Gateway)(nil)

// readFileRetryAttempts is the bounded retry count for a not-yet-flushed
// file: up to five retries after the first read, exponential backoff
// starting at 150ms.
const readFileRetryAttempts = 5

const readFileInitialBackoff = 150 * time.Millisecond

type queuedEvent struct {
	root string
	evt  types.EventEnvelope
	done chan error
}

// Indexer applies change events to the catalog and vector store. A
// single HandleEvent call runs its pipeline to completion before
// returning unless the Indexer is paused, in which case the event is
// queued and a future-style channel is returned instead.
type Indexer struct {
	catalog  *catalog.Store
	vectors  VectorWriter
	embedder embeddings.Embedder
	chunkCfg *config.ChunkingConfig
	bus      *progress.Bus
	logger   logging.Logger
	readFile func(path string) ([]byte, error)

	mu     sync.Mutex
	paused bool
	queue  []queuedEvent

	hbMu           sync.Mutex
	hbSuspendUntil time.Time
}

// New constructs an Indexer wired to its dependencies.
func New(store *catalog.Store, vectors VectorWriter, embedder embeddings.Embedder, chunkCfg *config.ChunkingConfig, bus *progress.Bus, logger logging.Logger) *Indexer {
	return &Indexer{
		catalog:  store,
		vectors:  vectors,
		embedder: embedder,
		chunkCfg: chunkCfg,
		bus:      bus,
		logger:   logger,
		readFile: os.ReadFile,
	}
}

// HandleEvent applies evt against root, the session's resolved project
// root. If the Indexer is paused the event is queued in arrival order
// and the returned channel is fulfilled by a later Resume.
func (ix *Indexer) HandleEvent(ctx context.Context, root string, evt types.EventEnvelope) <-chan error {
	done := make(chan error, 1)

	ix.mu.Lock()
	if ix.paused {
		ix.queue = append(ix.queue, queuedEvent{root: root, evt: evt, done: done})
		ix.mu.Unlock()
		return done
	}
	ix.mu.Unlock()

	done <- ix.process(ctx, root, evt)
	close(done)
	return done
}

// Pause stops new events from being applied immediately; subsequent
// HandleEvent calls queue instead. A short settling delay lets any
// call already past the paused check finish before Pause returns.
func (ix *Indexer) Pause(ctx context.Context) {
	ix.mu.Lock()
	ix.paused = true
	ix.mu.Unlock()

	select {
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
	}
}

// Resume drains the queue built up since Pause, in arrival order, on a
// single goroutine. Failures reject the individual future but do not
// stop the drain.
func (ix *Indexer) Resume(ctx context.Context) {
	ix.mu.Lock()
	ix.paused = false
	pending := ix.queue
	ix.queue = nil
	ix.mu.Unlock()

	for _, qe := range pending {
		err := ix.process(ctx, qe.root, qe.evt)
		qe.done <- err
		close(qe.done)
	}
}

// IsPaused is a racy observer of pause state, fine for progress
// reporting and the Maintenance Coordinator's own bookkeeping.
func (ix *Indexer) IsPaused() bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.paused
}

// HeartbeatSuspendedAt reports whether connection-liveness termination
// should be suspended at the given instant, per the compile_started/
// compile_finished fencing windows.
func (ix *Indexer) HeartbeatSuspendedAt(now time.Time) bool {
	ix.hbMu.Lock()
	defer ix.hbMu.Unlock()
	return now.Before(ix.hbSuspendUntil)
}

func (ix *Indexer) suspendHeartbeat(d time.Duration) {
	ix.hbMu.Lock()
	defer ix.hbMu.Unlock()
	until := time.Now().Add(d)
	if until.After(ix.hbSuspendUntil) {
		ix.hbSuspendUntil = until
	}
}

// process dispatches evt to its handler, logging every received event
// first regardless of type, per the append-only events table contract.
func (ix *Indexer) process(ctx context.Context, root string, evt types.EventEnvelope) error {
	if err := evt.Validate(); err != nil {
		ix.logger.Warn("dropping invalid envelope", "error", err.Error())
		return fmt.Errorf("%w: %v", core.ErrInvalidEnvelope, err)
	}

	if _, err := ix.catalog.LogEvent(ctx, types.Event{TS: evt.TS, Session: evt.Session, Type: evt.Type, Body: string(evt.Body)}); err != nil {
		return fmt.Errorf("log_event %s: %w", evt.Type, err)
	}

	switch evt.Type {
	case "assets_imported":
		return ix.handleAssetsImported(ctx, root, evt)
	case "assets_moved":
		return ix.handleAssetsMoved(ctx, root, evt)
	case "assets_deleted":
		return ix.handleAssetsDeleted(ctx, root, evt)
	case "scene_saved":
		return ix.handleSceneSaved(ctx, root, evt)
	case "hello", "hb", "ack":
		return nil
	case "compile_started":
		ix.suspendHeartbeat(120 * time.Second)
		return nil
	case "compile_finished":
		ix.suspendHeartbeat(30 * time.Second)
		return nil
	default:
		return nil
	}
}

func (ix *Indexer) handleAssetsImported(ctx context.Context, root string, evt types.EventEnvelope) error {
	var body types.AssetsBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return fmt.Errorf("%w: assets_imported: %v", core.ErrInvalidEnvelope, err)
	}
	normalizeItems(body.Items)
	ts := evt.TS

	if err := ix.withCatalogRetry(func() error { return ix.catalog.UpsertAssets(ctx, body.Items, ts) }); err != nil {
		return err
	}
	if err := ix.upsertSceneRows(ctx, body.Items, ts); err != nil {
		return err
	}

	textual := filterTextual(body.Items)
	ix.bus.Publish(types.Status{Phase: types.PhaseScanning, Total: len(textual), Message: "Indexing imported assets", Time: time.Now()})

	for i, item := range textual {
		if err := ix.runTextualPipeline(ctx, root, item.Path, item.GUID, types.AssetKind(item.Kind), evt.Session, ts); err != nil {
			ix.bus.Publish(types.Status{Phase: types.PhaseError, LastFile: item.Path, Error: err.Error(), Time: time.Now()})
			return fmt.Errorf("assets_imported pipeline for %s: %w", item.Path, err)
		}
		ix.bus.Publish(types.Status{Phase: types.PhaseEmbedding, Total: len(textual), Done: i + 1, LastFile: item.Path, Time: time.Now()})
	}

	if err := ix.writeSnapshot(ctx, root); err != nil {
		return err
	}
	ix.bus.Publish(types.Status{Phase: types.PhaseComplete, Total: len(textual), Done: len(textual), Message: "Assets imported", Time: time.Now()})
	return nil
}

func (ix *Indexer) handleAssetsMoved(ctx context.Context, root string, evt types.EventEnvelope) error {
	var body types.AssetsBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return fmt.Errorf("%w: assets_moved: %v", core.ErrInvalidEnvelope, err)
	}
	normalizeItems(body.Items)
	ts := evt.TS

	if err := ix.withCatalogRetry(func() error { return ix.catalog.UpsertAssets(ctx, body.Items, ts) }); err != nil {
		return err
	}
	if err := ix.upsertSceneRows(ctx, body.Items, ts); err != nil {
		return err
	}

	textual := filterTextual(body.Items)
	ix.bus.Publish(types.Status{Phase: types.PhaseScanning, Total: len(textual), Message: "Indexing moved assets", Time: time.Now()})

	for _, item := range body.Items {
		if item.From == "" {
			continue
		}
		if err := ix.vectors.DeleteByPath(ctx, item.From); err != nil {
			return fmt.Errorf("%w: delete moved-from points %s: %v", core.ErrVectorBackendUnavailable, item.From, err)
		}
	}

	for i, item := range textual {
		if err := ix.runTextualPipeline(ctx, root, item.Path, item.GUID, types.AssetKind(item.Kind), evt.Session, ts); err != nil {
			ix.bus.Publish(types.Status{Phase: types.PhaseError, LastFile: item.Path, Error: err.Error(), Time: time.Now()})
			return fmt.Errorf("assets_moved pipeline for %s: %w", item.Path, err)
		}
		ix.bus.Publish(types.Status{Phase: types.PhaseEmbedding, Total: len(textual), Done: i + 1, LastFile: item.Path, Time: time.Now()})
	}

	if err := ix.writeSnapshot(ctx, root); err != nil {
		return err
	}
	ix.bus.Publish(types.Status{Phase: types.PhaseComplete, Total: len(textual), Done: len(textual), Message: "Assets moved", Time: time.Now()})
	return nil
}

func (ix *Indexer) handleAssetsDeleted(ctx context.Context, root string, evt types.EventEnvelope) error {
	var body types.AssetsBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return fmt.Errorf("%w: assets_deleted: %v", core.ErrInvalidEnvelope, err)
	}
	normalizeItems(body.Items)
	ts := evt.TS

	guids := make([]string, 0, len(body.Items))
	for _, item := range body.Items {
		if item.GUID != "" {
			guids = append(guids, item.GUID)
		}
	}
	if err := ix.withCatalogRetry(func() error { return ix.catalog.MarkDeleted(ctx, guids, ts) }); err != nil {
		return err
	}

	for _, item := range body.Items {
		if item.Path != "" {
			if err := ix.vectors.DeleteByPath(ctx, item.Path); err != nil {
				return fmt.Errorf("%w: delete_by_path %s: %v", core.ErrVectorBackendUnavailable, item.Path, err)
			}
		}
		if item.GUID != "" {
			if err := ix.vectors.DeleteByGUID(ctx, item.GUID); err != nil {
				return fmt.Errorf("%w: delete_by_guid %s: %v", core.ErrVectorBackendUnavailable, item.GUID, err)
			}
		}
	}

	if err := ix.writeSnapshot(ctx, root); err != nil {
		return err
	}
	ix.bus.Publish(types.Status{Phase: types.PhaseComplete, Message: "Deletions applied", Time: time.Now()})
	return nil
}

func (ix *Indexer) handleSceneSaved(ctx context.Context, root string, evt types.EventEnvelope) error {
	var body types.SceneSavedBody
	if err := json.Unmarshal(evt.Body, &body); err != nil {
		return fmt.Errorf("%w: scene_saved: %v", core.ErrInvalidEnvelope, err)
	}
	path := vectorstore.NormalizeRelPath(body.Path)
	ts := evt.TS

	item := types.AssetItem{GUID: body.GUID, Path: path, Kind: string(types.KindScene), MTime: body.MTime, Size: body.Size, Hash: body.Hash}
	if err := ix.withCatalogRetry(func() error {
		return ix.catalog.UpsertAssets(ctx, []types.AssetItem{item}, ts)
	}); err != nil {
		return err
	}
	if err := ix.catalog.UpsertScene(ctx, body.GUID, path, ts); err != nil {
		return err
	}

	ix.bus.Publish(types.Status{Phase: types.PhaseScanning, Total: 1, Message: "Indexing saved scene", Time: time.Now()})
	if err := ix.runTextualPipeline(ctx, root, path, body.GUID, types.KindScene, evt.Session, ts); err != nil {
		ix.bus.Publish(types.Status{Phase: types.PhaseError, LastFile: path, Error: err.Error(), Time: time.Now()})
		return fmt.Errorf("scene_saved pipeline for %s: %w", path, err)
	}

	if err := ix.writeSnapshot(ctx, root); err != nil {
		return err
	}
	ix.bus.Publish(types.Status{Phase: types.PhaseComplete, Total: 1, Done: 1, LastFile: path, Message: "Scene saved", Time: time.Now()})
	return nil
}

// runTextualPipeline is the per-asset pipeline: remove stale points,
// read with bounded retry, chunk, embed, guard, upsert.
func (ix *Indexer) runTextualPipeline(ctx context.Context, root, relPath, guid string, kind types.AssetKind, session string, ts int64) error {
	normalized := vectorstore.NormalizeRelPath(relPath)

	if err := ix.vectors.DeleteByPath(ctx, normalized); err != nil {
		return fmt.Errorf("%w: delete_by_path %s: %v", core.ErrVectorBackendUnavailable, normalized, err)
	}

	absPath := filepath.Join(root, filepath.FromSlash(normalized))
	data, err := ix.readFileRetrying(ctx, absPath)
	if err != nil {
		return err
	}

	chunks := chunking.Split(ix.chunkCfg, absPath, kind, string(data))
	if len(chunks) == 0 {
		return nil
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(chunks) {
		return fmt.Errorf("%w: expected %d vectors, got %d", core.ErrEmbeddingInvalid, len(chunks), len(vectors))
	}

	points := make([]types.VectorPoint, len(chunks))
	for i, c := range chunks {
		points[i] = types.VectorPoint{
			ID:        c.PointID,
			Vector:    vectors[i],
			GUID:      guid,
			RelPath:   normalized,
			Range:     fmt.Sprintf("%d-%d", c.LineStart, c.LineEnd),
			FileHash:  c.FingerprintHex,
			Kind:      string(kind),
			Session:   session,
			UpdatedTS: ts,
			Text:      c.Text,
		}
	}

	if err := ix.vectors.UpsertPoints(ctx, points); err != nil {
		return err
	}
	return nil
}

// readFileRetrying reads absPath, retrying only on a not-yet-materialized
// file, up to readFileRetryAttempts times with exponential backoff.
func (ix *Indexer) readFileRetrying(ctx context.Context, absPath string) ([]byte, error) {
	var data []byte
	op := func() error {
		b, err := ix.readFile(absPath)
		if err == nil {
			data = b
			return nil
		}
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s: %v", core.ErrNotFoundTransient, absPath, err)
		}
		return backoff.Permanent(fmt.Errorf("%w: %s: %v", core.ErrIOFatal, absPath, err))
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = readFileInitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, readFileRetryAttempts), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	return data, nil
}

// withCatalogRetry retries a catalog operation once if it fails with a
// conflicted transaction, then surfaces the error, per spec §7.
func (ix *Indexer) withCatalogRetry(op func() error) error {
	err := op()
	if err != nil && errors.Is(err, core.ErrCatalogConflict) {
		err = op()
	}
	return err
}

func (ix *Indexer) writeSnapshot(ctx context.Context, root string) error {
	snap, err := ix.catalog.Snapshot(ctx)
	if err != nil {
		return err
	}
	state := types.IndexState{
		ProjectID:   catalog.ProjectID(NormalizeRoot(root)),
		SnapshotSHA: snap.SHA,
		TotalItems:  snap.Total,
		CompletedAt: time.Now().Unix(),
	}
	return ix.catalog.WriteIndexState(ctx, state)
}

func (ix *Indexer) upsertSceneRows(ctx context.Context, items []types.AssetItem, ts int64) error {
	for _, item := range items {
		if !strings.HasSuffix(item.Path, ".unity") {
			continue
		}
		if err := ix.catalog.UpsertScene(ctx, item.GUID, item.Path, ts); err != nil {
			return err
		}
	}
	return nil
}

func normalizeItems(items []types.AssetItem) {
	for i := range items {
		items[i].Path = vectorstore.NormalizeRelPath(items[i].Path)
		if items[i].From != "" {
			items[i].From = vectorstore.NormalizeRelPath(items[i].From)
		}
	}
}

func filterTextual(items []types.AssetItem) []types.AssetItem {
	var out []types.AssetItem
	for _, item := range items {
		if types.IsTextualAsset(types.AssetKind(item.Kind), item.Path) {
			out = append(out, item)
		}
	}
	return out
}

// NormalizeRoot canonicalizes a project root path for project-id
// derivation, matching the normalization applied to asset paths.
func NormalizeRoot(root string) string {
	return catalog.NormalizePath(filepath.ToSlash(filepath.Clean(root)))
}
