// Package types provides the core data structures shared across the
// movesia index host: assets, scenes, events, index-state snapshots and
// vector points.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// AssetKind enumerates the well-known asset kinds the indexer treats
// specially; any other string is accepted and passed through opaque.
type AssetKind string

const (
	KindScript     AssetKind = "Script"
	KindScene      AssetKind = "Scene"
	KindTextAsset  AssetKind = "TextAsset"
	KindMonoScript AssetKind = "MonoScript"
)

// IsTextual reports whether assets of this kind are chunked and embedded.
// A manifest walk may not know Unity's own asset-database kind for a
// script, so callers that only have a path should use IsTextualAsset
// instead of this alone.
func (k AssetKind) IsTextual() bool {
	return k == KindMonoScript || k == KindTextAsset
}

// IsTextualAsset reports whether an asset is chunked and embedded,
// given both its reported kind and its path. A .cs file is textual
// regardless of whether it was reported as MonoScript or the more
// generic Script kind, so the Indexer and the Reconciler agree on what
// gets re-embedded.
func IsTextualAsset(kind AssetKind, path string) bool {
	if kind.IsTextual() {
		return true
	}
	return strings.HasSuffix(path, ".cs")
}

// MaxAssetDependencies caps the number of AssetDep rows written per asset.
const MaxAssetDependencies = 200

// Asset represents a tracked project file, identified by a stable GUID
// independent of its current path.
type Asset struct {
	GUID      string  `json:"guid"`
	Path      string  `json:"path"`
	Kind      string  `json:"kind"`
	MTime     *int64  `json:"mtime,omitempty"`
	Size      *int64  `json:"size,omitempty"`
	Hash      *string `json:"hash,omitempty"`
	Deleted   bool    `json:"deleted"`
	UpdatedTS int64   `json:"updated_ts"`
}

// Version returns the change witness for this asset: its content hash if
// present, else "<mtime>:<size>".
func (a *Asset) Version() string {
	if a.Hash != nil && *a.Hash != "" {
		return *a.Hash
	}
	var mt, sz int64
	if a.MTime != nil {
		mt = *a.MTime
	}
	if a.Size != nil {
		sz = *a.Size
	}
	return fmt.Sprintf("%d:%d", mt, sz)
}

// AssetDep is a many-to-many self-reference edge between assets.
type AssetDep struct {
	GUID string `json:"guid"`
	Dep  string `json:"dep"`
}

// Scene mirrors the latest path of a scene document; every scene is also
// an Asset, this table is a secondary index.
type Scene struct {
	GUID      string `json:"guid"`
	Path      string `json:"path"`
	UpdatedTS int64  `json:"updated_ts"`
}

// Event is an append-only record of every domain event received. Never
// mutated after insertion.
type Event struct {
	ID      int64  `json:"id"`
	TS      int64  `json:"ts"`
	Session string `json:"session"`
	Type    string `json:"type"`
	Body    string `json:"body"`
}

// IndexState is the per-project verification witness persisted after
// every successful indexing batch.
type IndexState struct {
	ProjectID    string `json:"project_id"`
	SnapshotSHA  string `json:"snapshot_sha"`
	TotalItems   int    `json:"total_items"`
	QdrantCount  *int   `json:"qdrant_count,omitempty"`
	CompletedAt  int64  `json:"completed_at"`
}

// VectorPoint is one embedded chunk, keyed by a UUIDv5 derived from its
// chunk key (see package chunking).
type VectorPoint struct {
	ID        string    `json:"id"`
	Vector    []float32 `json:"-"`
	GUID      string    `json:"guid"`
	RelPath   string    `json:"rel_path"`
	Range     string    `json:"range"`
	FileHash  string    `json:"file_hash"`
	Kind      string    `json:"kind"`
	Session   string    `json:"session,omitempty"`
	UpdatedTS int64     `json:"updated_ts"`
	Text      string    `json:"text"`
}

// Snapshot is the deterministic (sha, total) pair computed over the live
// catalog; empty sha on an empty catalog.
type Snapshot struct {
	SHA   string
	Total int
}

// MatchesSnapshot reports whether the recorded state matches snap (same
// sha and total); a nil state never matches.
func (s *IndexState) MatchesSnapshot(snap Snapshot) bool {
	return s != nil && s.SnapshotSHA == snap.SHA && s.TotalItems == snap.Total
}

// Validate reports whether the asset has the minimum fields the catalog
// requires (guid and path); rows missing either are skipped by the
// caller, not rejected with an error.
func (a *Asset) Validate() error {
	if a.GUID == "" {
		return errors.New("asset guid cannot be empty")
	}
	if a.Path == "" {
		return errors.New("asset path cannot be empty")
	}
	return nil
}

// MarshalJSON implements json.Marshaler for AssetKind.
func (k AssetKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(k))
}

// UnmarshalJSON implements json.Unmarshaler for AssetKind.
func (k *AssetKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = AssetKind(s)
	return nil
}

// EventEnvelope is the wire-level record carried by the transport, bit
// exact per spec §6.
type EventEnvelope struct {
	V       int             `json:"v"`
	Source  string          `json:"source"`
	Type    string          `json:"type"`
	TS      int64           `json:"ts"`
	ID      string          `json:"id"`
	Body    json.RawMessage `json:"body"`
	Session string          `json:"session,omitempty"`
}

// Validate reports whether the envelope carries the minimum fields the
// core requires to route it.
func (e *EventEnvelope) Validate() error {
	if e.Source != "unity" && e.Source != "electron" {
		return fmt.Errorf("invalid envelope source: %q", e.Source)
	}
	if e.Type == "" {
		return errors.New("envelope type cannot be empty")
	}
	if e.TS == 0 {
		return errors.New("envelope ts cannot be zero")
	}
	return nil
}

// AssetItem is one entry inside an assets_imported/assets_moved/
// assets_deleted event body, or one row of a project manifest batch.
type AssetItem struct {
	GUID     string  `json:"guid"`
	Path     string  `json:"path"`
	From     string  `json:"from,omitempty"`
	Kind     string  `json:"kind,omitempty"`
	IsFolder bool    `json:"isFolder,omitempty"`
	MTime    *int64  `json:"mtime,omitempty"`
	Size     *int64  `json:"size,omitempty"`
	Hash     *string `json:"hash,omitempty"`
	SHA256   *string `json:"sha256,omitempty"`
	Deps     []string `json:"deps,omitempty"`
}

// ResolvedHash returns the item's content hash, accepting either of the
// two legacy field names the editor may use.
func (a *AssetItem) ResolvedHash() *string {
	if a.Hash != nil && *a.Hash != "" {
		return a.Hash
	}
	if a.SHA256 != nil && *a.SHA256 != "" {
		return a.SHA256
	}
	return nil
}

// AssetsBody is the body of assets_imported / assets_moved / assets_deleted.
type AssetsBody struct {
	Items []AssetItem `json:"items"`
}

// HelloBody is the body of a hello event.
type HelloBody struct {
	ProductGUID   string `json:"productGUID"`
	CloudProjectID string `json:"cloudProjectId"`
	UnityVersion  string `json:"unityVersion"`
	DataPath      string `json:"dataPath,omitempty"`
}

// SceneSavedBody is the body of a scene_saved event.
type SceneSavedBody struct {
	GUID  string  `json:"guid"`
	Path  string  `json:"path"`
	Hash  *string `json:"hash,omitempty"`
	MTime *int64  `json:"mtime,omitempty"`
	Size  *int64  `json:"size,omitempty"`
}

// ManifestBeginBody is the body of manifest_begin.
type ManifestBeginBody struct {
	Total int `json:"total"`
}

// ManifestBatchBody is the body of manifest_batch.
type ManifestBatchBody struct {
	Items []AssetItem `json:"items"`
}

// ManifestEndBody is the body of manifest_end.
type ManifestEndBody struct {
	Total int `json:"total"`
}

// Status is the typed progress event published by the Progress Bus.
type Status struct {
	Phase        string     `json:"phase"`
	Total        int        `json:"total"`
	Done         int        `json:"done"`
	LastFile     string     `json:"last_file,omitempty"`
	QdrantPoints *int       `json:"qdrant_points,omitempty"`
	Message      string     `json:"message,omitempty"`
	Error        string     `json:"error,omitempty"`
	Time         time.Time  `json:"time"`
}

const (
	PhaseIdle      = "idle"
	PhaseScanning  = "scanning"
	PhaseEmbedding = "embedding"
	PhaseWriting   = "writing"
	PhaseQdrant    = "qdrant"
	PhaseComplete  = "complete"
	PhaseError     = "error"
)

// ReconcileStats summarizes one reconciliation pass.
type ReconcileStats struct {
	Added    int `json:"added"`
	Deleted  int `json:"deleted"`
	Moved    int `json:"moved"`
	Modified int `json:"modified"`
}
