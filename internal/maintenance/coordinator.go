// Package maintenance implements the wipe-all protocol: fence every
// registered writer, drop and recreate the vector collection, truncate
// and vacuum the catalog, then resume writers in reverse pause order.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"movesia-index/internal/catalog"
	"movesia-index/internal/logging"
)

// fenceSettle is the minimum wait after pausing every writer before the
// wipe proceeds, per spec: at least 200ms.
const fenceSettle = 200 * time.Millisecond

// Writer is anything the Coordinator must fence before mutating shared
// storage. *indexer.Indexer satisfies this without explicit declaration.
type Writer interface {
	Pause(ctx context.Context)
	Resume(ctx context.Context)
}

// VectorCollection is the subset of the Vector Store Gateway the
// Coordinator needs to drop and recreate the collection.
type VectorCollection interface {
	DropCollection(ctx context.Context) error
	EnsureCollection(ctx context.Context, dim int) error
}

// Result reports the outcome of a wipe_all call.
type Result struct {
	Success bool
	Message string
}

// Coordinator owns the registered-writers list and the wipe-all
// operation. Writers register at Orchestrator bring-up.
type Coordinator struct {
	mu      sync.Mutex
	writers []Writer

	catalog *catalog.Store
	vectors VectorCollection
	dim     int
	logger  logging.Logger
}

// New constructs a Coordinator wired to the catalog and vector gateway.
// dim is the embedding dimension used to recreate the collection.
func New(store *catalog.Store, vectors VectorCollection, dim int, logger logging.Logger) *Coordinator {
	return &Coordinator{
		catalog: store,
		vectors: vectors,
		dim:     dim,
		logger:  logger,
	}
}

// Register adds w to the set of writers fenced by WipeAll, in
// registration order. Resume happens in the reverse of this order.
func (c *Coordinator) Register(w Writer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writers = append(c.writers, w)
}

// WipeAll pauses every registered writer, drops and recreates the
// vector collection, truncates and vacuums the catalog, then resumes
// writers in reverse pause order. A failure mid-wipe still resumes
// every writer before returning.
func (c *Coordinator) WipeAll(ctx context.Context) (result Result, err error) {
	c.mu.Lock()
	writers := append([]Writer(nil), c.writers...)
	c.mu.Unlock()

	for _, w := range writers {
		w.Pause(ctx)
	}
	defer func() {
		for i := len(writers) - 1; i >= 0; i-- {
			writers[i].Resume(ctx)
		}
	}()

	select {
	case <-time.After(fenceSettle):
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	counts, countErr := c.catalog.TableRowCounts(ctx)
	if countErr != nil {
		c.logger.Warn("row count before wipe failed", "error", countErr.Error())
	}

	if dropErr := c.vectors.DropCollection(ctx); dropErr != nil {
		c.logger.Warn("drop collection failed, continuing with catalog wipe", "error", dropErr.Error())
	} else if ensureErr := c.vectors.EnsureCollection(ctx, c.dim); ensureErr != nil {
		c.logger.Warn("recreate collection failed, continuing with catalog wipe", "error", ensureErr.Error())
	}

	if truncErr := c.catalog.Truncate(ctx); truncErr != nil {
		return Result{}, fmt.Errorf("truncate catalog: %w", truncErr)
	}
	if vacErr := c.catalog.Vacuum(ctx); vacErr != nil {
		return Result{}, fmt.Errorf("vacuum catalog: %w", vacErr)
	}

	return Result{Success: true, Message: formatRowCounts(counts)}, nil
}

func formatRowCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "wiped (row counts unavailable)"
	}
	msg := "wiped"
	for _, table := range []string{"assets", "asset_deps", "scenes", "events", "index_state"} {
		if n, ok := counts[table]; ok {
			msg += fmt.Sprintf(", %s=%d", table, n)
		}
	}
	return msg
}
