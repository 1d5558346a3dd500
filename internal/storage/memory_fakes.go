package storage

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"cortexmem/internal/storeerr"
)

// --- in-memory KVStore ---------------------------------------------------

type memoryKV struct {
	mu      sync.Mutex
	lists   map[string][]string
	metrics *Metrics
}

// NewMemoryKV returns an in-memory KVStore fake, grounded on the in-process
// fallback pattern used throughout the storage backends.
func NewMemoryKV() KVStore { return &memoryKV{lists: make(map[string][]string), metrics: NewMetrics()} }

// ListPush mirrors Redis LPUSH: each value is inserted at the head, so a
// multi-value call ends up with the last-given value closest to the head.
func (m *memoryKV) ListPush(_ context.Context, key string, values ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reversed := make([]string, len(values))
	for i, v := range values {
		reversed[len(values)-1-i] = v
	}
	m.lists[key] = append(reversed, m.lists[key]...)
	m.metrics.Record(0, "", 0, 0)
	return nil
}

// normalizeListRange maps Redis-style (possibly negative, end-relative)
// start/stop indices onto the valid [0, n-1] range, or (0,-1,false) if the
// resulting range is empty.
func normalizeListRange(start, stop, n int64) (int64, int64, bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start = n + start
	}
	if stop < 0 {
		stop = n + stop
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop, true
}

func (m *memoryKV) ListTrim(_ context.Context, key string, start, stop int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.lists[key]
	lo, hi, ok := normalizeListRange(start, stop, int64(len(cur)))
	if !ok {
		m.lists[key] = nil
		return nil
	}
	m.lists[key] = append([]string(nil), cur[lo:hi+1]...)
	return nil
}

func (m *memoryKV) ListRange(_ context.Context, key string, start, stop int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.lists[key]
	lo, hi, ok := normalizeListRange(start, stop, int64(len(cur)))
	if !ok {
		return nil, nil
	}
	start, stop = lo, hi
	out := append([]string(nil), cur[start:stop+1]...)
	return out, nil
}

func (m *memoryKV) Expire(context.Context, string, time.Duration) error { return nil }

func (m *memoryKV) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := strings.TrimSuffix(pattern, "*")
	var out []string
	for k := range m.lists {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (m *memoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, key)
	return nil
}

func (m *memoryKV) Metrics() *Metrics { return m.metrics }

// --- in-memory RelationalStore -------------------------------------------

type memoryRelational struct {
	mu      sync.Mutex
	tables  map[string][]map[string]any
	metrics *Metrics
}

// NewMemoryRelational returns an in-memory RelationalStore fake.
func NewMemoryRelational() RelationalStore {
	return &memoryRelational{tables: make(map[string][]map[string]any), metrics: NewMetrics()}
}

func (m *memoryRelational) Insert(_ context.Context, table string, row map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], copyAnyMap(row))
	m.metrics.Record(0, "", 0, 0)
	return nil
}

func (m *memoryRelational) Update(_ context.Context, table string, filters Filter, data map[string]any) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			for k, v := range data {
				row[k] = v
			}
			n++
		}
	}
	return n, nil
}

func (m *memoryRelational) Query(_ context.Context, table string, filters Filter, orderBy string, limit int) ([]map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, row := range m.tables[table] {
		if rowMatches(row, filters) {
			out = append(out, copyAnyMap(row))
		}
	}
	if orderBy != "" {
		column, desc := parseOrderBy(orderBy)
		sort.SliceStable(out, func(i, j int) bool {
			less := compareAny(out[i][column], out[j][column])
			if desc {
				return compareAny(out[j][column], out[i][column])
			}
			return less
		})
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRelational) DeleteByFilters(_ context.Context, table string, filters Filter) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := m.tables[table]
	var kept []map[string]any
	n := 0
	for _, row := range cur {
		if rowMatches(row, filters) {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.tables[table] = kept
	return n, nil
}

func (m *memoryRelational) Execute(context.Context, string, ...any) error { return nil }

func (m *memoryRelational) Metrics() *Metrics { return m.metrics }

func rowMatches(row map[string]any, filters Filter) bool {
	for k, v := range filters {
		if row[k] != v {
			return false
		}
	}
	return true
}

// parseOrderBy splits a "column" or "column DESC"/"column ASC" order
// expression, matching the shape SQL callers pass to RelationalStore.Query.
func parseOrderBy(orderBy string) (column string, desc bool) {
	fields := strings.Fields(orderBy)
	if len(fields) == 0 {
		return "", false
	}
	column = fields[0]
	if len(fields) > 1 && strings.EqualFold(fields[1], "DESC") {
		desc = true
	}
	return column, desc
}

// compareAny reports whether a sorts strictly before b, supporting the
// value kinds Query's callers actually order by: timestamps, strings, and
// numeric scores.
func compareAny(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Before(bv)
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	default:
		if af, aok := toFloat64(a); aok {
			if bf, bok := toFloat64(b); bok {
				return af < bf
			}
		}
	}
	return false
}

func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func copyAnyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- in-memory VectorStore ------------------------------------------------

type memoryVector struct {
	mu          sync.RWMutex
	collections map[string]map[string]vecEntry
	metrics     *Metrics
}

type vecEntry struct {
	v        []float32
	metadata map[string]string
}

// NewMemoryVectorStore returns an in-memory VectorStore fake, grounded on
// the cosine-similarity in-process fallback pattern.
func NewMemoryVectorStore() VectorStore {
	return &memoryVector{collections: make(map[string]map[string]vecEntry), metrics: NewMetrics()}
}

func (m *memoryVector) CreateCollection(_ context.Context, name string, _ int, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[name] == nil {
		m.collections[name] = make(map[string]vecEntry)
	}
	return nil
}

func (m *memoryVector) UpsertPoint(_ context.Context, collection string, point VectorPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]vecEntry)
	}
	cp := append([]float32(nil), point.Vector...)
	m.collections[collection][point.ID] = vecEntry{v: cp, metadata: copyStrMap(point.Metadata)}
	m.metrics.Record(0, "", 0, 0)
	return nil
}

func (m *memoryVector) SearchByVector(_ context.Context, collection string, vector []float32, k int, filter map[string]string) ([]VectorResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 {
		k = 10
	}
	qnorm := vnorm(vector)
	var out []VectorResult
	for id, e := range m.collections[collection] {
		if !vmatchesFilter(e.metadata, filter) {
			continue
		}
		out = append(out, VectorResult{ID: id, Score: vcosine(vector, e.v, qnorm), Metadata: copyStrMap(e.metadata)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}

func (m *memoryVector) Scroll(_ context.Context, collection string, limit int, _ string) ([]VectorPoint, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []VectorPoint
	for id, e := range m.collections[collection] {
		out = append(out, VectorPoint{ID: id, Vector: e.v, Metadata: e.metadata})
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, "", nil
}

func (m *memoryVector) DeletePoints(_ context.Context, collection string, ids ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		delete(m.collections[collection], id)
	}
	return nil
}

func (m *memoryVector) Metrics() *Metrics { return m.metrics }

func vmatchesFilter(md, f map[string]string) bool {
	for k, v := range f {
		if md[k] != v {
			return false
		}
	}
	return true
}

func vnorm(a []float32) float64 {
	var s float64
	for _, x := range a {
		s += float64(x) * float64(x)
	}
	return math.Sqrt(s)
}

func vcosine(a, b []float32, anorm float64) float64 {
	if anorm == 0 {
		anorm = vnorm(a)
	}
	bnorm := vnorm(b)
	if anorm == 0 || bnorm == 0 {
		return 0
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var dot float64
	for i := 0; i < n; i++ {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (anorm * bnorm)
}

func copyStrMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// --- in-memory GraphStore ---------------------------------------------

type memoryGraph struct {
	mu    sync.Mutex
	nodes map[string]map[string]any
	edges map[string]map[string][]string // id -> rel -> []targetID
	metrics *Metrics
}

// NewMemoryGraph returns an in-memory GraphStore fake.
func NewMemoryGraph() GraphStore {
	return &memoryGraph{nodes: make(map[string]map[string]any), edges: make(map[string]map[string][]string), metrics: NewMetrics()}
}

func (g *memoryGraph) UpsertNode(_ context.Context, id string, labels []string, props map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	merged := copyAnyMap(props)
	merged["_labels"] = append([]string(nil), labels...)
	g.nodes[id] = merged
	g.metrics.Record(0, "", 0, 0)
	return nil
}

func (g *memoryGraph) UpsertEdge(_ context.Context, srcID, rel, dstID string, _ map[string]any) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.edges[srcID] == nil {
		g.edges[srcID] = make(map[string][]string)
	}
	for _, existing := range g.edges[srcID][rel] {
		if existing == dstID {
			return nil
		}
	}
	g.edges[srcID][rel] = append(g.edges[srcID][rel], dstID)
	return nil
}

func (g *memoryGraph) Neighbors(_ context.Context, id, rel string) ([]string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := append([]string(nil), g.edges[id][rel]...)
	sort.Strings(out)
	return out, nil
}

func (g *memoryGraph) GetNode(_ context.Context, id string) (map[string]any, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	n, ok := g.nodes[id]
	if !ok {
		return nil, false, nil
	}
	return copyAnyMap(n), true, nil
}

func (g *memoryGraph) DeleteNode(_ context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, id)
	delete(g.edges, id)
	return nil
}

func (g *memoryGraph) ExecuteParameterizedQuery(context.Context, string, map[string]any) ([]map[string]any, error) {
	return nil, &storeerr.QueryError{Backend: "memory-graph", Operation: "execute_parameterized_query", Cause: errUnsupported}
}

func (g *memoryGraph) Metrics() *Metrics { return g.metrics }

var errUnsupported = &unsupportedErr{}

type unsupportedErr struct{}

func (*unsupportedErr) Error() string { return "not supported by the in-memory graph fake" }

// --- in-memory FullTextStore -----------------------------------------

type memoryFullText struct {
	mu      sync.Mutex
	docs    map[string]ftDoc
	metrics *Metrics
}

type ftDoc struct {
	text   string
	facets map[string]string
	fields map[string]any
}

// NewMemoryFullText returns an in-memory FullTextStore fake using naive
// term-count scoring, grounded on the teacher's in-process search fallback.
func NewMemoryFullText() FullTextStore {
	return &memoryFullText{docs: make(map[string]ftDoc), metrics: NewMetrics()}
}

func (f *memoryFullText) IndexDocument(_ context.Context, id, text string, facets map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs[id] = ftDoc{text: text, facets: copyStrMap(facets), fields: map[string]any{}}
	f.metrics.Record(0, "", 0, 0)
	return nil
}

func (f *memoryFullText) GetDocument(_ context.Context, id string) (map[string]any, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, false, nil
	}
	out := copyAnyMap(d.fields)
	out["text"] = d.text
	return out, true, nil
}

func (f *memoryFullText) Search(_ context.Context, query string, facetFilter map[string]string, limit int) ([]FullTextResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	terms := strings.Fields(strings.ToLower(query))
	var out []FullTextResult
	for id, d := range f.docs {
		if !vmatchesFilter(d.facets, facetFilter) {
			continue
		}
		lower := strings.ToLower(d.text)
		score := 0.0
		for _, t := range terms {
			score += float64(strings.Count(lower, t))
		}
		if len(terms) == 0 || score > 0 {
			out = append(out, FullTextResult{ID: id, Score: score, Facets: copyStrMap(d.facets)})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *memoryFullText) UpdateDocument(_ context.Context, id string, fields map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return &storeerr.NotFoundError{Backend: "memory-fulltext", ID: id}
	}
	for k, v := range fields {
		d.fields[k] = v
	}
	f.docs[id] = d
	return nil
}

func (f *memoryFullText) DeleteDocument(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.docs, id)
	return nil
}

func (f *memoryFullText) DeleteByFilter(_ context.Context, facetFilter map[string]string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for id, d := range f.docs {
		if vmatchesFilter(d.facets, facetFilter) {
			delete(f.docs, id)
			n++
		}
	}
	return n, nil
}

func (f *memoryFullText) Metrics() *Metrics { return f.metrics }
