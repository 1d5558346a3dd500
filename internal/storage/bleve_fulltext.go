package storage

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/search/query"
	bleveindex "github.com/blevesearch/bleve_index_api"

	"cortexmem/internal/storeerr"
)

// BleveFullTextStore implements FullTextStore on an embedded Bleve index,
// substituting for Typesense (absent from the available ecosystem) as L4's
// full-text-plus-facet engine. Documents are indexed with their facet
// fields as keyword sub-fields so Search can apply exact-match filtering
// the same way a Typesense faceted query would.
type BleveFullTextStore struct {
	index   bleve.Index
	metrics *Metrics
}

type bleveDoc struct {
	Text   string            `json:"text"`
	Facets map[string]string `json:"facets"`
	Fields map[string]any    `json:"fields"`
}

// NewBleveFullTextStore opens the index at path, creating it with a
// default mapping if it doesn't already exist.
func NewBleveFullTextStore(path string) (*BleveFullTextStore, error) {
	var idx bleve.Index
	var err error
	if _, statErr := os.Stat(path); statErr == nil {
		idx, err = bleve.Open(path)
	} else {
		mapping := bleve.NewIndexMapping()
		idx, err = bleve.New(path, mapping)
	}
	if err != nil {
		return nil, &storeerr.ConnectionError{Backend: "bleve", Cause: err}
	}
	return &BleveFullTextStore{index: idx, metrics: NewMetrics()}, nil
}

func (b *BleveFullTextStore) IndexDocument(ctx context.Context, id, text string, facets map[string]string) error {
	start := time.Now()
	doc := bleveDoc{Text: text, Facets: facets, Fields: map[string]any{}}
	if err := b.index.Index(id, doc); err != nil {
		b.metrics.Record(time.Since(start), "query", len(text), 0)
		return &storeerr.QueryError{Backend: "bleve", Operation: "index_document", Cause: err}
	}
	b.metrics.Record(time.Since(start), "", len(text), 0)
	return nil
}

func (b *BleveFullTextStore) GetDocument(ctx context.Context, id string) (map[string]any, bool, error) {
	start := time.Now()
	doc, err := b.index.Document(id)
	if err != nil {
		b.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, false, &storeerr.QueryError{Backend: "bleve", Operation: "get_document", Cause: err}
	}
	if doc == nil {
		b.metrics.Record(time.Since(start), "", 0, 0)
		return nil, false, nil
	}
	out := map[string]any{}
	doc.VisitFields(func(f bleveindex.Field) {
		out[f.Name()] = string(f.Value())
	})
	b.metrics.Record(time.Since(start), "", 0, 0)
	return out, true, nil
}

func (b *BleveFullTextStore) Search(ctx context.Context, q string, facetFilter map[string]string, limit int) ([]FullTextResult, error) {
	start := time.Now()
	if limit <= 0 {
		limit = 10
	}
	var textQuery query.Query
	if q == "" {
		textQuery = bleve.NewMatchAllQuery()
	} else {
		mq := bleve.NewMatchQuery(q)
		mq.SetField("Text")
		textQuery = mq
	}

	compound := textQuery
	if len(facetFilter) > 0 {
		conj := bleve.NewConjunctionQuery(textQuery)
		for k, v := range facetFilter {
			tq := bleve.NewTermQuery(v)
			tq.SetField(fmt.Sprintf("Facets.%s", k))
			conj.AddQuery(tq)
		}
		compound = conj
	}

	req := bleve.NewSearchRequestOptions(compound, limit, 0, false)
	req.Fields = []string{"Facets"}
	result, err := b.index.Search(req)
	if err != nil {
		b.metrics.Record(time.Since(start), "query", 0, 0)
		return nil, &storeerr.QueryError{Backend: "bleve", Operation: "search", Cause: err}
	}
	out := make([]FullTextResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		facets := map[string]string{}
		for k, v := range hit.Fields {
			if s, ok := v.(string); ok {
				facets[k] = s
			}
		}
		out = append(out, FullTextResult{ID: hit.ID, Score: hit.Score, Facets: facets})
	}
	b.metrics.Record(time.Since(start), "", 0, len(out))
	return out, nil
}

func (b *BleveFullTextStore) UpdateDocument(ctx context.Context, id string, fields map[string]any) error {
	start := time.Now()
	doc, _, err := b.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if doc == nil {
		return &storeerr.NotFoundError{Backend: "bleve", ID: id}
	}
	for k, v := range fields {
		doc[k] = v
	}
	if err := b.index.Index(id, doc); err != nil {
		b.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "bleve", Operation: "update_document", Cause: err}
	}
	b.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (b *BleveFullTextStore) DeleteDocument(ctx context.Context, id string) error {
	start := time.Now()
	if err := b.index.Delete(id); err != nil {
		b.metrics.Record(time.Since(start), "query", 0, 0)
		return &storeerr.QueryError{Backend: "bleve", Operation: "delete_document", Cause: err}
	}
	b.metrics.Record(time.Since(start), "", 0, 0)
	return nil
}

func (b *BleveFullTextStore) DeleteByFilter(ctx context.Context, facetFilter map[string]string) (int, error) {
	start := time.Now()
	hits, err := b.Search(ctx, "", facetFilter, 10000)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range hits {
		if err := b.index.Delete(h.ID); err != nil {
			continue
		}
		n++
	}
	b.metrics.Record(time.Since(start), "", 0, n)
	return n, nil
}

func (b *BleveFullTextStore) Metrics() *Metrics { return b.metrics }

// Close releases the underlying index handles.
func (b *BleveFullTextStore) Close() error { return b.index.Close() }
