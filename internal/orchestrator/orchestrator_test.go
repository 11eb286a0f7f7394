package orchestrator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movesia-index/internal/catalog"
	"movesia-index/internal/config"
	"movesia-index/internal/indexer"
	"movesia-index/internal/logging"
	"movesia-index/pkg/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "catalog.db")
	cfg.Qdrant.Host = "127.0.0.1"
	cfg.Qdrant.Port = 1 // unroutable: fails fast rather than hanging
	cfg.Session.RecentProjectsPath = ""
	return cfg
}

func TestStartOnceAssemblesComponents(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, logging.NewLogger(logging.ERROR))
	t.Cleanup(func() { orch.Close() })

	require.NoError(t, orch.StartOnce(context.Background()))

	assert.NotNil(t, orch.Catalog)
	assert.NotNil(t, orch.Embedder)
	assert.NotNil(t, orch.Bus)
	assert.NotNil(t, orch.Resolver)
	assert.NotNil(t, orch.Indexer)
	assert.NotNil(t, orch.Reconciler)
	assert.NotNil(t, orch.Maintenance)
}

func TestStartOnceMemoizesBoot(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, logging.NewLogger(logging.ERROR))
	t.Cleanup(func() { orch.Close() })

	require.NoError(t, orch.StartOnce(context.Background()))
	firstCatalog := orch.Catalog

	require.NoError(t, orch.StartOnce(context.Background()))
	assert.Same(t, firstCatalog, orch.Catalog)
}

func TestVerifyProjectSnapshotScanningOnUnknownProject(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, logging.NewLogger(logging.ERROR))
	t.Cleanup(func() { orch.Close() })
	require.NoError(t, orch.StartOnce(context.Background()))

	statuses, unsubscribe := orch.Bus.Subscribe()
	defer unsubscribe()

	require.NoError(t, orch.VerifyProjectSnapshot(context.Background(), "/proj/a"))

	select {
	case status := <-statuses:
		assert.Equal(t, types.PhaseScanning, status.Phase)
	default:
		t.Fatal("expected a published status")
	}
}

func TestVerifyProjectSnapshotCompleteOnMatch(t *testing.T) {
	cfg := testConfig(t)
	orch := New(cfg, logging.NewLogger(logging.ERROR))
	t.Cleanup(func() { orch.Close() })
	require.NoError(t, orch.StartOnce(context.Background()))

	ctx := context.Background()
	root := "/proj/a"
	hash := "H1"
	require.NoError(t, orch.Catalog.UpsertAssets(ctx, []types.AssetItem{
		{GUID: "a", Path: "Assets/A.cs", Kind: "MonoScript", Hash: &hash},
	}, 1))
	snap, err := orch.Catalog.Snapshot(ctx)
	require.NoError(t, err)

	require.NoError(t, orch.Catalog.WriteIndexState(ctx, types.IndexState{
		ProjectID:   catalog.ProjectID(indexer.NormalizeRoot(root)),
		SnapshotSHA: snap.SHA,
		TotalItems:  snap.Total,
	}))

	statuses, unsubscribe := orch.Bus.Subscribe()
	defer unsubscribe()

	require.NoError(t, orch.VerifyProjectSnapshot(ctx, root))

	select {
	case status := <-statuses:
		assert.Equal(t, types.PhaseComplete, status.Phase)
		assert.Equal(t, "Fully indexed (verified)", status.Message)
	default:
		t.Fatal("expected a published status")
	}
}
