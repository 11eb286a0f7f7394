// Package vectorstore is a thin gateway over the vector backend: a
// qdrant-go-client wrapper that owns collection lifecycle, point
// upsert/delete, and top-K search, and nothing else.
package vectorstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/qdrant/go-client/qdrant"

	"movesia-index/internal/config"
	"movesia-index/internal/core"
	"movesia-index/pkg/types"
)

// Gateway is the Vector Store Gateway: a thin client over the backend's
// collection, point and search surface.
type Gateway struct {
	client         *qdrant.Client
	collectionName string
	config         *config.QdrantConfig

	mu      sync.Mutex
	metrics *Metrics
}

// Metrics tracks gateway call counts and average latency, mirroring the
// teacher's StorageMetrics shape.
type Metrics struct {
	mu               sync.Mutex
	OperationCounts  map[string]int64
	AverageLatencyMS map[string]float64
	ErrorCounts      map[string]int64
}

func newMetrics() *Metrics {
	return &Metrics{
		OperationCounts:  make(map[string]int64),
		AverageLatencyMS: make(map[string]float64),
		ErrorCounts:      make(map[string]int64),
	}
}

func (m *Metrics) record(op string, start time.Time, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.OperationCounts[op]++
	count := float64(m.OperationCounts[op])
	latency := float64(time.Since(start).Milliseconds())
	prev := m.AverageLatencyMS[op]
	m.AverageLatencyMS[op] = (prev*(count-1) + latency) / count
	if err != nil {
		m.ErrorCounts[op]++
	}
}

// SearchHit is one result row of search_top_k.
type SearchHit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Connect dials the backend and constructs the Gateway. It does not yet
// ensure the collection exists; call EnsureCollection for that.
func Connect(cfg *config.QdrantConfig) (*Gateway, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:                   cfg.Host,
		Port:                   cfg.Port,
		APIKey:                 cfg.APIKey,
		UseTLS:                 cfg.UseTLS,
		SkipCompatibilityCheck: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %v", core.ErrVectorBackendUnavailable, err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "movesia"
	}

	return &Gateway{
		client:         client,
		collectionName: collection,
		config:         cfg,
		metrics:        newMetrics(),
	}, nil
}

// EnsureCollection idempotently creates the collection with cosine
// distance and the declared vector size, then ensures keyword payload
// indices on rel_path and guid. A 409 (already exists) is success.
func (g *Gateway) EnsureCollection(ctx context.Context, dim int) (err error) {
	start := time.Now()
	defer func() { g.metrics.record("ensure_collection", start, err) }()

	collections, listErr := g.client.ListCollections(ctx)
	if listErr != nil {
		return fmt.Errorf("%w: list collections: %v", core.ErrVectorBackendUnavailable, listErr)
	}

	exists := false
	for _, name := range collections {
		if name == g.collectionName {
			exists = true
			break
		}
	}

	if !exists {
		createErr := g.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: g.collectionName,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(dim),
				Distance: qdrant.Distance_Cosine,
			}),
		})
		if createErr != nil && !isAlreadyExists(createErr) {
			return fmt.Errorf("%w: create collection %s: %v", core.ErrVectorBackendUnavailable, g.collectionName, createErr)
		}
	}

	for _, field := range []string{"rel_path", "guid"} {
		_, idxErr := g.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: g.collectionName,
			FieldName:      field,
			FieldType:      qdrant.FieldType_FieldTypeKeyword.Enum(),
		})
		if idxErr != nil && !isAlreadyExists(idxErr) {
			return fmt.Errorf("%w: create field index %s: %v", core.ErrVectorBackendUnavailable, field, idxErr)
		}
	}

	return nil
}

// DropCollection deletes the collection outright, tolerating a
// not-found response as success. Callers that need it back call
// EnsureCollection afterward.
func (g *Gateway) DropCollection(ctx context.Context) (err error) {
	start := time.Now()
	defer func() { g.metrics.record("drop_collection", start, err) }()

	dropErr := g.client.DeleteCollection(ctx, g.collectionName)
	if dropErr != nil && !isNotFound(dropErr) {
		return fmt.Errorf("%w: drop collection %s: %v", core.ErrVectorBackendUnavailable, g.collectionName, dropErr)
	}
	return nil
}

func isNotFound(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "not found")
}

func isAlreadyExists(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "already exists")
}

// WaitReady polls the backend (a collection listing) until it answers or
// the deadline passes; the collection itself need not exist yet.
func (g *Gateway) WaitReady(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		_, err := g.client.ListCollections(ctx)
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: wait_ready timed out: %v", core.ErrVectorBackendUnavailable, err)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", core.ErrVectorBackendUnavailable, ctx.Err())
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// UpsertPoints writes one batch atomically from the caller's perspective.
func (g *Gateway) UpsertPoints(ctx context.Context, points []types.VectorPoint) (err error) {
	start := time.Now()
	defer func() { g.metrics.record("upsert_points", start, err) }()

	if len(points) == 0 {
		return nil
	}

	qpoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		qpoints[i] = pointToStruct(p)
	}

	waitTrue := true
	_, upsertErr := g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: g.collectionName,
		Points:         qpoints,
		Wait:           &waitTrue,
	})
	if upsertErr != nil {
		return fmt.Errorf("%w: upsert_points: %v", core.ErrVectorBackendUnavailable, upsertErr)
	}
	return nil
}

// DeleteByPath scrolls for the points whose payload rel_path matches
// exactly, then deletes those IDs with wait=true. The scroll reads a
// single page of at most 10000 points. Path normalization:
// backslashes become slashes, a leading "./" is stripped.
func (g *Gateway) DeleteByPath(ctx context.Context, relPath string) (err error) {
	start := time.Now()
	defer func() { g.metrics.record("delete_by_path", start, err) }()

	normalized := NormalizeRelPath(relPath)
	filter := keywordFilter("rel_path", normalized)

	ids, scrollErr := g.scrollIDs(ctx, filter)
	if scrollErr != nil {
		return fmt.Errorf("%w: delete_by_path scroll: %v", core.ErrVectorBackendUnavailable, scrollErr)
	}
	if len(ids) == 0 {
		return nil
	}
	return g.deleteByPointIDs(ctx, ids)
}

// DeleteByGUID is a filter-based delete on the guid payload field,
// lowercased and brace-stripped, with wait=true.
func (g *Gateway) DeleteByGUID(ctx context.Context, guid string) (err error) {
	start := time.Now()
	defer func() { g.metrics.record("delete_by_guid", start, err) }()

	normalized := normalizeGUID(guid)
	filter := keywordFilter("guid", normalized)

	waitTrue := true
	_, delErr := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{Filter: filter},
		},
		Wait: &waitTrue,
	})
	if delErr != nil {
		return fmt.Errorf("%w: delete_by_guid: %v", core.ErrVectorBackendUnavailable, delErr)
	}
	return nil
}

// DeleteByIDs deletes the given explicit point IDs with wait=true.
func (g *Gateway) DeleteByIDs(ctx context.Context, ids []string) (err error) {
	start := time.Now()
	defer func() { g.metrics.record("delete_by_ids", start, err) }()

	if len(ids) == 0 {
		return nil
	}
	return g.deleteByPointIDs(ctx, ids)
}

func (g *Gateway) deleteByPointIDs(ctx context.Context, ids []string) error {
	pointIDs := make([]*qdrant.PointId, len(ids))
	for i, id := range ids {
		pointIDs[i] = stringToPointID(id)
	}
	waitTrue := true
	_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: g.collectionName,
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{Ids: pointIDs},
			},
		},
		Wait: &waitTrue,
	})
	if err != nil {
		return fmt.Errorf("%w: delete by ids: %v", core.ErrVectorBackendUnavailable, err)
	}
	return nil
}

func (g *Gateway) scrollIDs(ctx context.Context, filter *qdrant.Filter) ([]string, error) {
	limit := uint32(10000)
	points, err := g.client.Scroll(ctx, &qdrant.ScrollPoints{
		CollectionName: g.collectionName,
		Filter:         filter,
		Limit:          &limit,
		WithPayload:    &qdrant.WithPayloadSelector{SelectorOptions: &qdrant.WithPayloadSelector_Enable{Enable: false}},
	})
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(points))
	for _, p := range points {
		ids = append(ids, pointIDToString(p.GetId()))
	}
	return ids, nil
}

// SearchTopK returns the top-k nearest points to query, optionally
// restricted by a payload filter and a minimum score threshold.
func (g *Gateway) SearchTopK(ctx context.Context, query []float32, k int, filter *qdrant.Filter, threshold *float32) (hits []SearchHit, err error) {
	start := time.Now()
	defer func() { g.metrics.record("search_top_k", start, err) }()

	if len(query) == 0 {
		return nil, errors.New("search query vector cannot be empty")
	}

	limit := uint64(k)
	results, searchErr := g.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: g.collectionName,
		Query:          qdrant.NewQuery(query...),
		Limit:          &limit,
		Filter:         filter,
		WithPayload:    qdrant.NewWithPayload(true),
		ScoreThreshold: threshold,
	})
	if searchErr != nil {
		return nil, fmt.Errorf("%w: search_top_k: %v", core.ErrVectorBackendUnavailable, searchErr)
	}

	hits = make([]SearchHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, SearchHit{
			ID:      pointIDToString(r.GetId()),
			Score:   r.GetScore(),
			Payload: payloadToStrings(r.GetPayload()),
		})
	}
	return hits, nil
}

// Metrics returns a snapshot of operation counts and latencies.
func (g *Gateway) Metrics() *Metrics {
	g.metrics.mu.Lock()
	defer g.metrics.mu.Unlock()
	snapshot := newMetrics()
	for k, v := range g.metrics.OperationCounts {
		snapshot.OperationCounts[k] = v
	}
	for k, v := range g.metrics.AverageLatencyMS {
		snapshot.AverageLatencyMS[k] = v
	}
	for k, v := range g.metrics.ErrorCounts {
		snapshot.ErrorCounts[k] = v
	}
	return snapshot
}

// Close releases the underlying client connection.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// NormalizeRelPath converts backslashes to slashes and strips a leading "./".
func NormalizeRelPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	return strings.TrimPrefix(p, "./")
}

func normalizeGUID(guid string) string {
	guid = strings.ToLower(guid)
	guid = strings.Trim(guid, "{}")
	return guid
}

func keywordFilter(field, value string) *qdrant.Filter {
	return &qdrant.Filter{
		Must: []*qdrant.Condition{
			{
				ConditionOneOf: &qdrant.Condition_Field{
					Field: &qdrant.FieldCondition{
						Key:   field,
						Match: &qdrant.Match{MatchValue: &qdrant.Match_Keyword{Keyword: value}},
					},
				},
			},
		},
	}
}

func pointToStruct(p types.VectorPoint) *qdrant.PointStruct {
	payload := map[string]*qdrant.Value{
		"rel_path":   stringValue(p.RelPath),
		"range":      stringValue(p.Range),
		"file_hash":  stringValue(p.FileHash),
		"kind":       stringValue(p.Kind),
		"updated_ts": int64Value(p.UpdatedTS),
		"text":       stringValue(p.Text),
	}
	if p.GUID != "" {
		payload["guid"] = stringValue(normalizeGUID(p.GUID))
	}
	if p.Session != "" {
		payload["session"] = stringValue(p.Session)
	}

	return &qdrant.PointStruct{
		Id:      stringToPointID(p.ID),
		Vectors: &qdrant.Vectors{VectorsOptions: &qdrant.Vectors_Vector{Vector: &qdrant.Vector{Data: p.Vector}}},
		Payload: payload,
	}
}

func stringToPointID(s string) *qdrant.PointId {
	return &qdrant.PointId{PointIdOptions: &qdrant.PointId_Uuid{Uuid: s}}
}

func pointIDToString(id *qdrant.PointId) string {
	if uuid := id.GetUuid(); uuid != "" {
		return uuid
	}
	return strconv.FormatUint(id.GetNum(), 10)
}

func stringValue(s string) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_StringValue{StringValue: s}}
}

func int64Value(i int64) *qdrant.Value {
	return &qdrant.Value{Kind: &qdrant.Value_IntegerValue{IntegerValue: i}}
}

func payloadToStrings(payload map[string]*qdrant.Value) map[string]string {
	out := make(map[string]string, len(payload))
	for k, v := range payload {
		if s := v.GetStringValue(); s != "" {
			out[k] = s
			continue
		}
		out[k] = v.String()
	}
	return out
}
