// Package catalog implements the embedded relational store: the
// source-of-truth record of every tracked asset, its dependencies, scene
// mirror rows, the append-only event log, and the per-project index-state
// verification witness.
package catalog

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver

	"movesia-index/internal/config"
	"movesia-index/internal/core"
	"movesia-index/pkg/types"
)

// Store is the embedded relational catalog. A single writer at a time is
// enforced by mu; SQLite itself allows many concurrent readers.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens (creating if missing) the catalog database at cfg.Path with
// WAL journaling and NORMAL synchronous durability, and ensures schema.
func Open(cfg *config.CatalogConfig) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on", cfg.Path, cfg.BusyTimeoutMS)
	if cfg.WALEnabled {
		dsn += "&_journal_mode=WAL"
	}
	if cfg.SynchronousNormal {
		dsn += "&_synchronous=NORMAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 1
	}
	db.SetMaxOpenConns(maxOpen)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS assets (
		guid TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		kind TEXT NOT NULL DEFAULT '',
		mtime INTEGER,
		size INTEGER,
		hash TEXT,
		deleted INTEGER NOT NULL DEFAULT 0,
		updated_ts INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_assets_path ON assets(path);

	CREATE TABLE IF NOT EXISTS asset_deps (
		guid TEXT NOT NULL,
		dep TEXT NOT NULL,
		PRIMARY KEY (guid, dep)
	);

	CREATE TABLE IF NOT EXISTS scenes (
		guid TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		updated_ts INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts INTEGER NOT NULL,
		session TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_ts ON events(ts DESC);

	CREATE TABLE IF NOT EXISTS index_state (
		project_id TEXT PRIMARY KEY,
		snapshot_sha TEXT NOT NULL DEFAULT '',
		total_items INTEGER NOT NULL DEFAULT 0,
		qdrant_count INTEGER,
		completed_at INTEGER NOT NULL DEFAULT 0
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// UpsertAssets inserts or updates rows in a single transaction. Rows
// missing guid or path are skipped. On conflict, path is overwritten
// unconditionally; kind/mtime/size/hash are overwritten only when the
// incoming value is non-nil; deleted is reset to 0 and updated_ts is set
// to ts. Up to types.MaxAssetDependencies dependency rows are inserted
// per asset, duplicates ignored.
func (s *Store) UpsertAssets(ctx context.Context, items []types.AssetItem, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin upsert_assets: %v", core.ErrCatalogConflict, err)
	}
	defer tx.Rollback() //nolint:errcheck

	upsertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO assets (guid, path, kind, mtime, size, hash, deleted, updated_ts)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?)
		ON CONFLICT(guid) DO UPDATE SET
			path = excluded.path,
			kind = CASE WHEN excluded.kind != '' THEN excluded.kind ELSE assets.kind END,
			mtime = COALESCE(excluded.mtime, assets.mtime),
			size = COALESCE(excluded.size, assets.size),
			hash = COALESCE(excluded.hash, assets.hash),
			deleted = 0,
			updated_ts = excluded.updated_ts
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert_assets: %w", err)
	}
	defer upsertStmt.Close()

	depStmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO asset_deps (guid, dep) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare asset_deps insert: %w", err)
	}
	defer depStmt.Close()

	for _, item := range items {
		guid := item.GUID
		path := item.Path
		if guid == "" || path == "" {
			continue
		}
		hash := item.ResolvedHash()
		if _, err := upsertStmt.ExecContext(ctx, guid, path, item.Kind, item.MTime, item.Size, hash, ts); err != nil {
			return fmt.Errorf("upsert asset %s: %w", guid, err)
		}
		for i, dep := range item.Deps {
			if i >= types.MaxAssetDependencies {
				break
			}
			if _, err := depStmt.ExecContext(ctx, guid, dep); err != nil {
				return fmt.Errorf("insert asset dep %s->%s: %w", guid, dep, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit upsert_assets: %v", core.ErrCatalogConflict, err)
	}
	return nil
}

// MarkDeleted soft-deletes the assets named by guid, in a single
// transaction.
func (s *Store) MarkDeleted(ctx context.Context, guids []string, ts int64) error {
	if len(guids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin mark_deleted: %v", core.ErrCatalogConflict, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `UPDATE assets SET deleted = 1, updated_ts = ? WHERE guid = ?`)
	if err != nil {
		return fmt.Errorf("prepare mark_deleted: %w", err)
	}
	defer stmt.Close()

	for _, guid := range guids {
		if _, err := stmt.ExecContext(ctx, ts, guid); err != nil {
			return fmt.Errorf("mark deleted %s: %w", guid, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit mark_deleted: %v", core.ErrCatalogConflict, err)
	}
	return nil
}

// UpsertScene upserts the scene mirror row keyed on guid.
func (s *Store) UpsertScene(ctx context.Context, guid, path string, ts int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scenes (guid, path, updated_ts) VALUES (?, ?, ?)
		ON CONFLICT(guid) DO UPDATE SET path = excluded.path, updated_ts = excluded.updated_ts
	`, guid, path, ts)
	if err != nil {
		return fmt.Errorf("%w: upsert_scene: %v", core.ErrCatalogConflict, err)
	}
	return nil
}

// GetAsset returns the live asset with the given guid, or nil if absent
// or soft-deleted.
func (s *Store) GetAsset(ctx context.Context, guid string) (*types.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guid, path, kind, mtime, size, hash, deleted, updated_ts
		FROM assets WHERE guid = ? AND deleted = 0
	`, guid)
	var a types.Asset
	if err := row.Scan(&a.GUID, &a.Path, &a.Kind, &a.MTime, &a.Size, &a.Hash, &a.Deleted, &a.UpdatedTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset %s: %w", guid, err)
	}
	return &a, nil
}

// GetAssetByPath returns the live asset currently at the given
// project-relative path, or nil if none.
func (s *Store) GetAssetByPath(ctx context.Context, path string) (*types.Asset, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT guid, path, kind, mtime, size, hash, deleted, updated_ts
		FROM assets WHERE path = ? AND deleted = 0
	`, path)
	var a types.Asset
	if err := row.Scan(&a.GUID, &a.Path, &a.Kind, &a.MTime, &a.Size, &a.Hash, &a.Deleted, &a.UpdatedTS); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get asset by path %s: %w", path, err)
	}
	return &a, nil
}

// ListLiveAssets returns every non-deleted asset.
func (s *Store) ListLiveAssets(ctx context.Context) ([]types.Asset, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT guid, path, kind, mtime, size, hash, deleted, updated_ts
		FROM assets WHERE deleted = 0
	`)
	if err != nil {
		return nil, fmt.Errorf("list live assets: %w", err)
	}
	defer rows.Close()

	var out []types.Asset
	for rows.Next() {
		var a types.Asset
		if err := rows.Scan(&a.GUID, &a.Path, &a.Kind, &a.MTime, &a.Size, &a.Hash, &a.Deleted, &a.UpdatedTS); err != nil {
			return nil, fmt.Errorf("scan asset: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Snapshot computes the deterministic (sha, total) pair over all live
// assets, sorted by guid. Empty sha on an empty catalog.
func (s *Store) Snapshot(ctx context.Context) (types.Snapshot, error) {
	assets, err := s.ListLiveAssets(ctx)
	if err != nil {
		return types.Snapshot{}, err
	}
	if len(assets) == 0 {
		return types.Snapshot{SHA: "", Total: 0}, nil
	}

	sort.Slice(assets, func(i, j int) bool { return assets[i].GUID < assets[j].GUID })

	h := sha256.New()
	for _, a := range assets {
		fmt.Fprintf(h, "%s\x00%s\n", a.GUID, a.Version())
	}
	return types.Snapshot{SHA: hex.EncodeToString(h.Sum(nil)), Total: len(assets)}, nil
}

// ProjectID derives the stable 16-hex-char project identifier from a
// normalized project root path.
func ProjectID(normalizedRoot string) string {
	sum := sha256.Sum256([]byte(normalizedRoot))
	return hex.EncodeToString(sum[:])[:16]
}

// WriteIndexState idempotently replaces the index-state row for projectID.
func (s *Store) WriteIndexState(ctx context.Context, state types.IndexState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO index_state (project_id, snapshot_sha, total_items, qdrant_count, completed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project_id) DO UPDATE SET
			snapshot_sha = excluded.snapshot_sha,
			total_items = excluded.total_items,
			qdrant_count = excluded.qdrant_count,
			completed_at = excluded.completed_at
	`, state.ProjectID, state.SnapshotSHA, state.TotalItems, state.QdrantCount, state.CompletedAt)
	if err != nil {
		return fmt.Errorf("write_index_state: %w", err)
	}
	return nil
}

// ReadIndexState reads the single index-state row for projectID, or nil
// if none has been recorded yet.
func (s *Store) ReadIndexState(ctx context.Context, projectID string) (*types.IndexState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, snapshot_sha, total_items, qdrant_count, completed_at
		FROM index_state WHERE project_id = ?
	`, projectID)
	var st types.IndexState
	if err := row.Scan(&st.ProjectID, &st.SnapshotSHA, &st.TotalItems, &st.QdrantCount, &st.CompletedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("read_index_state %s: %w", projectID, err)
	}
	return &st, nil
}

// LogEvent appends a serialized event to the append-only log. Any
// failure is surfaced, never swallowed.
func (s *Store) LogEvent(ctx context.Context, evt types.Event) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO events (ts, session, type, body) VALUES (?, ?, ?, ?)
	`, evt.TS, evt.Session, evt.Type, evt.Body)
	if err != nil {
		return 0, fmt.Errorf("log_event: %w", err)
	}
	return res.LastInsertId()
}

// TableRowCounts reports the row count of every user table, for the
// Maintenance Coordinator's wipe-all result message.
func (s *Store) TableRowCounts(ctx context.Context) (map[string]int, error) {
	counts := make(map[string]int, 5)
	for _, table := range []string{"assets", "asset_deps", "scenes", "events", "index_state"} {
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table)
		var n int
		if err := row.Scan(&n); err != nil {
			return nil, fmt.Errorf("count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Truncate removes every row from every table, for the Maintenance
// Coordinator's wipe-all operation. Does not VACUUM; callers VACUUM
// separately once fencing is released.
func (s *Store) Truncate(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin truncate: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, table := range []string{"assets", "asset_deps", "scenes", "events", "index_state"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("truncate %s: %w", table, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM sqlite_sequence WHERE name = ?", table); err != nil {
			return fmt.Errorf("reset autoincrement %s: %w", table, err)
		}
	}
	return tx.Commit()
}

// Vacuum reclaims space after a truncate.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	if err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// NormalizePath forward-slash-normalizes a path and strips a leading "./",
// matching the normalization the Vector Store Gateway applies to rel_path.
func NormalizePath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}
