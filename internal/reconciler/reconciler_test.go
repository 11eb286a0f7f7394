package reconciler

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"movesia-index/internal/catalog"
	"movesia-index/internal/config"
	"movesia-index/internal/indexer"
	"movesia-index/internal/logging"
	"movesia-index/internal/progress"
	"movesia-index/pkg/types"
)

type fakeVectorWriter struct {
	mu           sync.Mutex
	deletedPaths []string
	upserts      [][]types.VectorPoint
}

func (f *fakeVectorWriter) DeleteByPath(ctx context.Context, relPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedPaths = append(f.deletedPaths, relPath)
	return nil
}
func (f *fakeVectorWriter) DeleteByGUID(ctx context.Context, guid string) error { return nil }
func (f *fakeVectorWriter) UpsertPoints(ctx context.Context, points []types.VectorPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, points)
	return nil
}

func (f *fakeVectorWriter) deletesOf(path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, p := range f.deletedPaths {
		if p == path {
			n++
		}
	}
	return n
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0, 0, 0}
	}
	return out, nil
}
func (fakeEmbedder) Dimension() int { return 4 }
func (fakeEmbedder) Model() string  { return "fake-embed" }

func newTestHarness(t *testing.T) (*Reconciler, *catalog.Store, *fakeVectorWriter, string) {
	t.Helper()
	root := t.TempDir()

	cfg := &config.CatalogConfig{
		Path:              filepath.Join(t.TempDir(), "catalog.db"),
		BusyTimeoutMS:     2000,
		WALEnabled:        true,
		SynchronousNormal: true,
		MaxOpenConns:      1,
	}
	store, err := catalog.Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vecs := &fakeVectorWriter{}
	chunkCfg := &config.DefaultConfig().Chunking
	bus := progress.NewBus(16)
	logger := logging.NewLogger(logging.ERROR)

	idx := indexer.New(store, vecs, fakeEmbedder{}, chunkCfg, bus, logger)
	rec := New(store, vecs, idx, logger)
	return rec, store, vecs, root
}

func writeFile(t *testing.T, root, relPath, content string) {
	t.Helper()
	abs := filepath.Join(root, relPath)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

func TestReconcileAddedAndMoved(t *testing.T) {
	rec, store, vecs, root := newTestHarness(t)
	ctx := context.Background()

	hash1 := "H1"
	require.NoError(t, store.UpsertAssets(ctx, []types.AssetItem{
		{GUID: "s", Path: "Assets/src/S.cs", Kind: "MonoScript", Hash: &hash1},
	}, 1))

	writeFile(t, root, "Assets/src/T.cs", "line one\nline two\n")
	writeFile(t, root, "Assets/New.cs", "fresh file\n")

	hash2 := "H2"
	manifest := []types.AssetItem{
		{GUID: "s", Path: "Assets/src/T.cs", Kind: "MonoScript", Hash: &hash1},
		{GUID: "n", Path: "Assets/New.cs", Kind: "MonoScript", Hash: &hash2},
	}

	rec.BeginManifest("sess1", len(manifest))
	rec.AddBatch("sess1", manifest)
	stats, err := rec.EndManifest(ctx, "sess1", root, 100)
	require.NoError(t, err)

	assert.Equal(t, types.ReconcileStats{Added: 1, Moved: 1, Modified: 0, Deleted: 0}, stats)
	assert.Positive(t, vecs.deletesOf("Assets/src/S.cs"))

	asset, err := store.GetAsset(ctx, "s")
	require.NoError(t, err)
	require.NotNil(t, asset)
	assert.Equal(t, "Assets/src/T.cs", asset.Path)

	newAsset, err := store.GetAsset(ctx, "n")
	require.NoError(t, err)
	require.NotNil(t, newAsset)
}

func TestReconcileDeletesMissingAssets(t *testing.T) {
	rec, store, _, root := newTestHarness(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertAssets(ctx, []types.AssetItem{
		{GUID: "gone", Path: "Assets/Gone.cs", Kind: "MonoScript"},
	}, 1))

	rec.BeginManifest("sess1", 0)
	rec.AddBatch("sess1", nil)
	stats, err := rec.EndManifest(ctx, "sess1", root, 100)
	require.NoError(t, err)

	assert.Equal(t, 1, stats.Deleted)
	asset, err := store.GetAsset(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, asset)
}

func TestReconcileIdempotentOnSecondPass(t *testing.T) {
	rec, store, _, root := newTestHarness(t)
	ctx := context.Background()

	writeFile(t, root, "Assets/A.cs", "line\n")
	hash := "H1"
	manifest := []types.AssetItem{{GUID: "a", Path: "Assets/A.cs", Kind: "MonoScript", Hash: &hash}}

	rec.BeginManifest("sess1", len(manifest))
	rec.AddBatch("sess1", manifest)
	stats1, err := rec.EndManifest(ctx, "sess1", root, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats1.Added)

	snapBefore, err := store.Snapshot(ctx)
	require.NoError(t, err)

	rec.BeginManifest("sess1", len(manifest))
	rec.AddBatch("sess1", manifest)
	stats2, err := rec.EndManifest(ctx, "sess1", root, 200)
	require.NoError(t, err)
	assert.Equal(t, types.ReconcileStats{}, stats2)

	snapAfter, err := store.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, snapBefore.SHA, snapAfter.SHA)
}

func TestEndManifestWithoutBeginErrors(t *testing.T) {
	rec, _, _, root := newTestHarness(t)
	_, err := rec.EndManifest(context.Background(), "nope", root, 1)
	assert.Error(t, err)
}

// A manifest walk may report a .cs file under the generic "Script" kind
// rather than Unity's own MonoScript kind. The reconciler must still
// hand it to the Indexer in a way that actually gets it embedded.
func TestReconcileReembedsGenericScriptKindCSFile(t *testing.T) {
	rec, _, vecs, root := newTestHarness(t)
	ctx := context.Background()

	writeFile(t, root, "Assets/Plain.cs", "line one\n")
	manifest := []types.AssetItem{{GUID: "p", Path: "Assets/Plain.cs", Kind: "Script"}}

	rec.BeginManifest("sess1", len(manifest))
	rec.AddBatch("sess1", manifest)
	stats, err := rec.EndManifest(ctx, "sess1", root, 100)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Added)

	assert.NotEmpty(t, vecs.upserts, "expected the Indexer to embed the reconciled .cs file")
}
