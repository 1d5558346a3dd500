package storage

import (
	"context"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"cortexmem/internal/storeerr"
)

// payloadIDField stores the caller-supplied point ID when it isn't itself a
// valid UUID, since Qdrant only accepts UUIDs or positive integers as IDs.
const payloadIDField = "_original_id"

// QdrantVectorStore adapts a Qdrant client to the VectorStore capability
// interface, with one Qdrant collection per logical collection name.
type QdrantVectorStore struct {
	client  *qdrant.Client
	metrics *Metrics
}

// NewQdrantVectorStore dials Qdrant's gRPC endpoint (port 6334 by default)
// parsed from dsn, optionally carrying an API key as a query parameter:
// "http://localhost:6334?api_key=...".
func NewQdrantVectorStore(dsn string) (*QdrantVectorStore, error) {
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, &storeerr.ConnectionError{Backend: "qdrant", Cause: err}
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := parsed.Port()
	if port == "" {
		port = "6334"
	}
	portNum, err := strconv.Atoi(port)
	if err != nil {
		return nil, &storeerr.ConnectionError{Backend: "qdrant", Cause: err}
	}
	cfg := &qdrant.Config{Host: host, Port: portNum}
	if parsed.Scheme == "https" {
		cfg.UseTLS = true
	}
	if apiKey := parsed.Query().Get("api_key"); apiKey != "" {
		cfg.APIKey = apiKey
	}
	client, err := qdrant.NewClient(cfg)
	if err != nil {
		return nil, &storeerr.ConnectionError{Backend: "qdrant", Cause: err}
	}
	return &QdrantVectorStore{client: client, metrics: NewMetrics()}, nil
}

func qdrantDistance(metric string) qdrant.Distance {
	switch strings.ToLower(strings.TrimSpace(metric)) {
	case "l2", "euclidean":
		return qdrant.Distance_Euclid
	case "ip", "dot":
		return qdrant.Distance_Dot
	case "manhattan":
		return qdrant.Distance_Manhattan
	default:
		return qdrant.Distance_Cosine
	}
}

func (q *QdrantVectorStore) CreateCollection(ctx context.Context, name string, dimensions int, metric string) error {
	start := time.Now()
	exists, err := q.client.CollectionExists(ctx, name)
	if err != nil {
		q.metrics.Record(time.Since(start), "connection", 0, 0)
		return &storeerr.ConnectionError{Backend: "qdrant", Cause: err}
	}
	if exists {
		q.metrics.Record(time.Since(start), "", 0, 0)
		return nil
	}
	if dimensions <= 0 {
		return &storeerr.DataError{Backend: "qdrant", Detail: "dimensions must be > 0"}
	}
	err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(dimensions),
			Distance: qdrantDistance(metric),
		}),
	})
	if err != nil {
		q.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "qdrant", Operation: "create_collection", Cause: err}
	}
	q.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func qdrantPointID(id string) (string, bool) {
	if _, err := uuid.Parse(id); err == nil {
		return id, false
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String(), true
}

func (q *QdrantVectorStore) UpsertPoint(ctx context.Context, collection string, point VectorPoint) error {
	start := time.Now()
	uuidStr, remapped := qdrantPointID(point.ID)
	payload := make(map[string]any, len(point.Metadata)+1)
	for k, v := range point.Metadata {
		payload[k] = v
	}
	if remapped {
		payload[payloadIDField] = point.ID
	}
	vec := append([]float32(nil), point.Vector...)
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points: []*qdrant.PointStruct{{
			Id:      qdrant.NewIDUUID(uuidStr),
			Vectors: qdrant.NewVectorsDense(vec),
			Payload: qdrant.NewValueMap(payload),
		}},
	})
	if err != nil {
		q.metrics.Record(time.Since(start), "query", len(vec)*4, 0)
		return &storeerr.QueryError{Backend: "qdrant", Operation: "upsert_point", Cause: err}
	}
	q.metrics.Record(time.Since(start), "", len(vec)*4, 0)
	return nil
}

func (q *QdrantVectorStore) SearchByVector(ctx context.Context, collection string, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	start := time.Now()
	if k <= 0 {
		k = 10
	}
	vec := append([]float32(nil), vector...)
	var qf *qdrant.Filter
	if len(filter) > 0 {
		must := make([]*qdrant.Condition, 0, len(filter))
		for k, v := range filter {
			must = append(must, qdrant.NewMatch(k, v))
		}
		qf = &qdrant.Filter{Must: must}
	}
	limit := uint64(k)
	hits, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          qdrant.NewQueryDense(vec),
		Limit:          &limit,
		Filter:         qf,
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		q.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, &storeerr.QueryError{Backend: "qdrant", Operation: "search_by_vector", Cause: err}
	}
	out := make([]VectorResult, 0, len(hits))
	for _, hit := range hits {
		uuidStr := hit.Id.GetUuid()
		if uuidStr == "" {
			uuidStr = hit.Id.String()
		}
		metadata := make(map[string]string)
		originalID := ""
		if hit.Payload != nil {
			for k, v := range hit.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		out = append(out, VectorResult{ID: id, Score: float64(hit.Score), Metadata: metadata})
	}
	q.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (q *QdrantVectorStore) Scroll(ctx context.Context, collection string, limit int, offset string) ([]VectorPoint, string, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 100
	}
	lim := uint32(limit)
	req := &qdrant.ScrollPoints{
		CollectionName: collection,
		Limit:          &lim,
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	}
	if offset != "" {
		if uuidStr, err := uuid.Parse(offset); err == nil {
			req.Offset = qdrant.NewIDUUID(uuidStr.String())
		}
	}
	points, err := q.client.Scroll(ctx, req)
	if err != nil {
		q.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, "", &storeerr.QueryError{Backend: "qdrant", Operation: "scroll", Cause: err}
	}
	out := make([]VectorPoint, 0, len(points))
	nextOffset := ""
	for _, p := range points {
		uuidStr := p.Id.GetUuid()
		metadata := make(map[string]string)
		originalID := ""
		if p.Payload != nil {
			for k, v := range p.Payload {
				if k == payloadIDField {
					originalID = v.GetStringValue()
					continue
				}
				metadata[k] = v.GetStringValue()
			}
		}
		id := originalID
		if id == "" {
			id = uuidStr
		}
		var vec []float32
		if dense := p.GetVectors().GetVector(); dense != nil {
			vec = dense.GetData()
		}
		out = append(out, VectorPoint{ID: id, Vector: vec, Metadata: metadata})
		nextOffset = uuidStr
	}
	if len(points) < limit {
		nextOffset = ""
	}
	q.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nextOffset, nil
}

func (q *QdrantVectorStore) DeletePoints(ctx context.Context, collection string, ids ...string) error {
	start := time.Now()
	pointIDs := make([]*qdrant.PointId, 0, len(ids))
	for _, id := range ids {
		uuidStr, _ := qdrantPointID(id)
		pointIDs = append(pointIDs, qdrant.NewIDUUID(uuidStr))
	}
	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(pointIDs...),
	})
	if err != nil {
		q.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "qdrant", Operation: "delete_points", Cause: err}
	}
	q.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (q *QdrantVectorStore) Metrics() *Metrics { return q.metrics }

// Close releases the underlying gRPC connection.
func (q *QdrantVectorStore) Close() error { return q.client.Close() }
