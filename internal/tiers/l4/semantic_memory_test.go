package l4

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"cortexmem/internal/model"
	"cortexmem/internal/storage"
)

func TestStoreRejectsMissingSourceEpisodes(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	_, err := tier.Store(ctx, model.KnowledgeDocument{Title: "t", Content: "c"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestStoreAndRetrieveRoundTripsFullDocument(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	doc := model.KnowledgeDocument{
		KnowledgeType:   "insight",
		Title:           "Deployment cadence",
		Content:         "The team ships on Tuesdays and avoids Friday deploys.",
		ConfidenceScore: 0.85,
		Tags:            []string{"deploys", "process"},
		Facets:          map[string]string{"team": "platform"},
		SourceEpisodes:  []string{"ep-1", "ep-2"},
		UsefulnessScore: 0.7,
	}
	stored, err := tier.Store(ctx, doc)
	require.NoError(t, err)
	require.NotEmpty(t, stored.DocumentID)
	require.False(t, stored.CreatedAt.IsZero())

	fetched, ok, err := tier.Retrieve(ctx, stored.DocumentID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, doc.Title, fetched.Title)
	require.Equal(t, doc.Content, fetched.Content)
	require.Equal(t, doc.Tags, fetched.Tags)
	require.Equal(t, 1, fetched.AccessCount)
	require.False(t, fetched.LastAccessedAt.IsZero())
}

func TestSearchFiltersByKnowledgeTypeTagsAndConfidence(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	_, err := tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:   "insight",
		Title:           "Retry budget",
		Content:         "Clients should retry at most three times with jittered backoff.",
		ConfidenceScore: 0.9,
		Tags:            []string{"reliability", "retries"},
		SourceEpisodes:  []string{"ep-1"},
		UsefulnessScore: 0.6,
	})
	require.NoError(t, err)

	_, err = tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:   "summary",
		Title:           "Retry budget overview",
		Content:         "A recap of retry behavior for batch jobs.",
		ConfidenceScore: 0.3,
		Tags:            []string{"retries"},
		SourceEpisodes:  []string{"ep-2"},
		UsefulnessScore: 0.9,
	})
	require.NoError(t, err)

	results, err := tier.Search(ctx, "retry", SearchFilter{
		KnowledgeType: "insight",
		Tags:          []string{"reliability"},
		MinConfidence: 0.5,
	}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, "Retry budget", results[0].Document.Title)
}

func TestSearchSortsByUsefulnessScoreDescending(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	_, err := tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:   "rule",
		Title:           "Low usefulness rule",
		Content:         "outage runbook notes",
		SourceEpisodes:  []string{"ep-1"},
		UsefulnessScore: 0.2,
	})
	require.NoError(t, err)
	_, err = tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:   "rule",
		Title:           "High usefulness rule",
		Content:         "outage runbook notes",
		SourceEpisodes:  []string{"ep-2"},
		UsefulnessScore: 0.95,
	})
	require.NoError(t, err)

	results, err := tier.Search(ctx, "outage", SearchFilter{}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, "High usefulness rule", results[0].Document.Title)
	require.Equal(t, "Low usefulness rule", results[1].Document.Title)
}

func TestRetrieveMissingDocumentReturnsNotFound(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	_, ok, err := tier.Retrieve(ctx, "nope")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpdateUsefulnessClampsToUnitRange(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	stored, err := tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:   "pattern",
		Title:           "p",
		Content:         "c",
		SourceEpisodes:  []string{"ep-1"},
		UsefulnessScore: 0.9,
	})
	require.NoError(t, err)

	updated, err := tier.UpdateUsefulness(ctx, stored.DocumentID, 0.5)
	require.NoError(t, err)
	require.Equal(t, 1.0, updated.UsefulnessScore)
}

func TestRecordValidationIncrementsCount(t *testing.T) {
	ctx := context.Background()
	tier := New(storage.NewMemoryFullText())

	stored, err := tier.Store(ctx, model.KnowledgeDocument{
		KnowledgeType:  "rule",
		Title:          "p",
		Content:        "c",
		SourceEpisodes: []string{"ep-1"},
	})
	require.NoError(t, err)

	updated, err := tier.RecordValidation(ctx, stored.DocumentID)
	require.NoError(t, err)
	require.Equal(t, 1, updated.ValidationCount)
}
