// Package orchestrator brings up the Catalog Store and Vector Store
// Gateway, wires the Session Resolver to the Indexer and Reconciler, and
// verifies a project's indexed state on connect.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"movesia-index/internal/catalog"
	"movesia-index/internal/config"
	"movesia-index/internal/embeddings"
	"movesia-index/internal/indexer"
	"movesia-index/internal/logging"
	"movesia-index/internal/maintenance"
	"movesia-index/internal/progress"
	"movesia-index/internal/reconciler"
	"movesia-index/internal/session"
	"movesia-index/internal/vectorstore"
	"movesia-index/pkg/types"
)

// readyTimeout bounds how long boot waits for the vector backend before
// continuing without it, per spec §4.10 step 2.
const readyTimeout = 15 * time.Second

// Orchestrator owns the host's single boot sequence and the components
// it wires together.
type Orchestrator struct {
	cfg    *config.Config
	logger logging.Logger

	bootOnce sync.Once
	bootErr  error

	Catalog     *catalog.Store
	Vectors     *vectorstore.Gateway
	Embedder    embeddings.Embedder
	Bus         *progress.Bus
	Resolver    *session.Resolver
	Indexer     *indexer.Indexer
	Reconciler  *reconciler.Reconciler
	Maintenance *maintenance.Coordinator

	vectorsReady bool
}

// New constructs an Orchestrator from cfg. StartOnce performs the actual
// bring-up; construction itself does no I/O.
func New(cfg *config.Config, logger logging.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, logger: logger}
}

// StartOnce performs the boot sequence exactly once, regardless of how
// many times it is called; later callers block on and share the first
// call's result.
func (o *Orchestrator) StartOnce(ctx context.Context) error {
	o.bootOnce.Do(func() {
		o.bootErr = o.boot(ctx)
	})
	return o.bootErr
}

func (o *Orchestrator) boot(ctx context.Context) error {
	store, err := catalog.Open(&o.cfg.Catalog)
	if err != nil {
		return fmt.Errorf("open catalog: %w", err)
	}
	o.Catalog = store

	vectors, err := vectorstore.Connect(&o.cfg.Qdrant)
	if err != nil {
		o.logger.Warn("vector backend connect failed, continuing without vectors", "error", err.Error())
	} else {
		o.Vectors = vectors
		waitCtx, cancel := context.WithTimeout(ctx, readyTimeout)
		readyErr := vectors.WaitReady(waitCtx, readyTimeout)
		cancel()
		if readyErr != nil {
			o.logger.Warn("vector backend wait_ready timed out, continuing without vectors", "error", readyErr.Error())
		} else if ensureErr := vectors.EnsureCollection(ctx, o.cfg.Embedder.Dimension); ensureErr != nil {
			o.logger.Warn("ensure_collection failed, continuing without vectors", "error", ensureErr.Error())
		} else {
			o.vectorsReady = true
		}
	}

	rawEmbedder := embeddings.NewHTTPEmbedder(
		o.cfg.Embedder.Endpoint,
		o.cfg.Embedder.Dimension,
		o.cfg.Embedder.Model,
		time.Duration(o.cfg.Embedder.TimeoutSeconds)*time.Second,
	)
	o.Embedder = embeddings.NewValidatingEmbedder(rawEmbedder, embeddings.Config{
		BatchSize:      o.cfg.Embedder.BatchSize,
		TimeoutSeconds: o.cfg.Embedder.TimeoutSeconds,
	}, 4096, 30*time.Minute)

	o.Bus = progress.NewBus(64)

	var vecWriter indexer.VectorWriter
	if o.Vectors != nil {
		vecWriter = o.Vectors
	} else {
		vecWriter = noopVectorWriter{}
	}

	o.Indexer = indexer.New(o.Catalog, vecWriter, o.Embedder, &o.cfg.Chunking, o.Bus, o.logger)
	o.Reconciler = reconciler.New(o.Catalog, vecWriter, o.Indexer, o.logger)

	locator := session.NewFSRootLocator(o.cfg.Session, o.logger)
	o.Resolver = session.NewResolver(locator, o.logger)

	var maintVectors maintenance.VectorCollection
	if o.Vectors != nil {
		maintVectors = o.Vectors
	} else {
		maintVectors = noopVectorCollection{}
	}
	o.Maintenance = maintenance.New(o.Catalog, maintVectors, o.cfg.Embedder.Dimension, o.logger)
	o.Maintenance.Register(o.Indexer)

	return nil
}

// VectorsReady reports whether the vector backend was reachable and its
// collection ensured at boot.
func (o *Orchestrator) VectorsReady() bool {
	return o.vectorsReady
}

// VerifyProjectSnapshot implements §4.10's connect-time verification:
// compare the catalog's current snapshot against the last recorded
// IndexState for root, publishing `complete` on a match or `scanning` to
// signal that a manifest reconciliation is needed.
func (o *Orchestrator) VerifyProjectSnapshot(ctx context.Context, root string) error {
	projectID := catalog.ProjectID(indexer.NormalizeRoot(root))

	snap, err := o.Catalog.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("compute snapshot: %w", err)
	}

	prior, err := o.Catalog.ReadIndexState(ctx, projectID)
	if err != nil {
		return fmt.Errorf("read index state: %w", err)
	}

	if prior.MatchesSnapshot(snap) {
		o.Bus.Publish(types.Status{
			Phase:        types.PhaseComplete,
			Total:        snap.Total,
			Done:         snap.Total,
			QdrantPoints: prior.QdrantCount,
			Message:      "Fully indexed (verified)",
			Time:         time.Now(),
		})
		return nil
	}

	o.Bus.Publish(types.Status{
		Phase:   types.PhaseScanning,
		Total:   0,
		Done:    0,
		Message: "Checking for changes…",
		Time:    time.Now(),
	})
	return nil
}

// Close releases the catalog and vector backend connections.
func (o *Orchestrator) Close() error {
	var errs []error
	if o.Vectors != nil {
		if err := o.Vectors.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if o.Catalog != nil {
		if err := o.Catalog.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("close orchestrator: %v", errs)
	}
	return nil
}

// noopVectorWriter is substituted when the vector gateway cannot be
// constructed at boot (Connect fails), so the Indexer still writes the catalog when
// asked to index.
type noopVectorWriter struct{}

func (noopVectorWriter) DeleteByPath(ctx context.Context, relPath string) error { return nil }
func (noopVectorWriter) DeleteByGUID(ctx context.Context, guid string) error    { return nil }
func (noopVectorWriter) UpsertPoints(ctx context.Context, points []types.VectorPoint) error {
	return nil
}

type noopVectorCollection struct{}

func (noopVectorCollection) DropCollection(ctx context.Context) error       { return nil }
func (noopVectorCollection) EnsureCollection(ctx context.Context, dim int) error { return nil }
