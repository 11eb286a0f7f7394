package main

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"movesia-index/internal/config"
	"movesia-index/internal/logging"
	"movesia-index/internal/orchestrator"
	"movesia-index/pkg/types"
)

func testOrchestrator(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Catalog.Path = filepath.Join(t.TempDir(), "catalog.db")
	cfg.Qdrant.Host = "127.0.0.1"
	cfg.Qdrant.Port = 1 // unroutable: fails fast rather than hanging
	cfg.Session.RecentProjectsPath = ""

	orch := orchestrator.New(cfg, logging.NewLogger(logging.ERROR))
	t.Cleanup(func() { orch.Close() })
	require.NoError(t, orch.StartOnce(context.Background()))
	return orch
}

// manifest_begin/manifest_batch/manifest_end must reach the Reconciler,
// not fall through to the Indexer's default log-only case.
func TestDispatchEventRoutesManifestStreamToReconciler(t *testing.T) {
	orch := testOrchestrator(t)
	ctx := context.Background()
	root := t.TempDir()
	logger := logging.NewLogger(logging.ERROR)

	beginBody, err := json.Marshal(types.ManifestBeginBody{Total: 1})
	require.NoError(t, err)
	dispatchEvent(ctx, orch, logger, root, types.EventEnvelope{Type: "manifest_begin", TS: 1, Body: beginBody, Session: "s1"})

	batchBody, err := json.Marshal(types.ManifestBatchBody{Items: []types.AssetItem{
		{GUID: "g1", Path: "Assets/A.cs", Kind: "MonoScript"},
	}})
	require.NoError(t, err)
	dispatchEvent(ctx, orch, logger, root, types.EventEnvelope{Type: "manifest_batch", TS: 1, Body: batchBody, Session: "s1"})

	dispatchEvent(ctx, orch, logger, root, types.EventEnvelope{Type: "manifest_end", TS: 1, Session: "s1"})

	asset, err := orch.Catalog.GetAsset(ctx, "g1")
	require.NoError(t, err)
	require.NotNil(t, asset)
}

// A hello that resolves a session for the first time should trigger
// connect-time snapshot verification, publishing a status on the bus.
// The body replays the per-line steps consumeEnvelopes takes after
// decoding an envelope, since consumeEnvelopes itself reads stdin.
func TestHelloFirstResolutionVerifiesSnapshot(t *testing.T) {
	orch := testOrchestrator(t)
	root := t.TempDir()
	orch.Resolver.SetOuterResolvedRoot("s1", root)
	logger := logging.NewLogger(logging.ERROR)

	statuses, unsubscribe := orch.Bus.Subscribe()
	defer unsubscribe()

	helloBody, err := json.Marshal(types.HelloBody{})
	require.NoError(t, err)
	evt := types.EventEnvelope{Source: "unity", Type: "hello", TS: 1, Body: helloBody, Session: "s1"}
	resolved, pending, err := orch.Resolver.Ingest(evt.Session, evt)
	require.NoError(t, err)
	require.False(t, pending)
	require.True(t, resolved.JustResolved)

	if resolved.JustResolved {
		require.NoError(t, orch.VerifyProjectSnapshot(context.Background(), resolved.Root))
	}
	for _, drained := range resolved.Events {
		dispatchEvent(context.Background(), orch, logger, resolved.Root, drained)
	}

	select {
	case status := <-statuses:
		require.Equal(t, types.PhaseScanning, status.Phase)
	default:
		t.Fatal("expected a published status from VerifyProjectSnapshot")
	}
}

func TestSplitAddrParsesHostAndPort(t *testing.T) {
	host, port, err := splitAddr("127.0.0.1:9090")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if host != "127.0.0.1" || port != 9090 {
		t.Fatalf("got host=%q port=%d, want 127.0.0.1:9090", host, port)
	}
}

func TestSplitAddrRejectsMalformedInput(t *testing.T) {
	if _, _, err := splitAddr("not-an-address"); err == nil {
		t.Fatal("expected an error for a malformed address")
	}
}
