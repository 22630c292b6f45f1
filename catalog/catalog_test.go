package catalog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct {
	entries []Entry
}

func (s *staticSource) Entries(ctx context.Context) ([]Entry, error) {
	return s.entries, nil
}

func sampleEntries() []Entry {
	return []Entry{
		{ID: "slack.post", Name: "Slack Post", Category: CategoryAction, Description: "Post a message to a Slack channel"},
		{ID: "email.send", Name: "Email Send", Category: CategoryAction, Description: "Send an email notification"},
		{ID: "weather.get", Name: "Weather Lookup", Category: CategoryService, Description: "Fetch current weather for a location"},
	}
}

func newTestCatalog(t *testing.T, revoked []string) *Catalog {
	t.Helper()
	signer := NewSigner("test-secret")
	return New(&staticSource{entries: sampleEntries()}, signer, revoked, nil, 0, nil)
}

func TestBuildSignsAllEntries(t *testing.T) {
	c := newTestCatalog(t, nil)
	doc, err := c.Build(context.Background())
	require.NoError(t, err)
	require.Len(t, doc.Entries, 3)

	for _, e := range doc.Entries {
		assert.True(t, c.Verify(&e), "entry %s should verify", e.ID)
	}
}

func TestVerifyRejectsTamperedField(t *testing.T) {
	c := newTestCatalog(t, nil)
	doc, err := c.Build(context.Background())
	require.NoError(t, err)

	e := doc.Entries[0]
	assert.True(t, c.Verify(&e))

	e.Description = e.Description + "!"
	assert.False(t, c.Verify(&e))
}

func TestVerifyRejectsRevoked(t *testing.T) {
	c := newTestCatalog(t, []string{"slack.post"})
	doc, err := c.Build(context.Background())
	require.NoError(t, err)

	entry, ok := doc.Get("slack.post")
	require.True(t, ok)
	assert.False(t, c.Verify(entry))

	other, ok := doc.Get("email.send")
	require.True(t, ok)
	assert.True(t, c.Verify(other))
}

func TestSearchRelevanceScoringAndTieBreak(t *testing.T) {
	c := newTestCatalog(t, nil)
	doc, err := c.Build(context.Background())
	require.NoError(t, err)

	results := doc.Search("email send", 10)
	require.NotEmpty(t, results)
	assert.Equal(t, "email.send", results[0].Entry.ID)

	// "slack" and "email" score slack.post and email.send equally; the
	// tie breaks by lower id
	tied := doc.Search("slack email", 10)
	require.Len(t, tied, 2)
	assert.Equal(t, tied[0].Score, tied[1].Score)
	assert.Equal(t, "email.send", tied[0].Entry.ID)
	assert.Equal(t, "slack.post", tied[1].Entry.ID)

	// a query matching nothing should return no entries
	assert.Empty(t, doc.Search("nonexistent-term-xyz", 10))
}

func TestSearchExcludesZeroScoreAndRespectsLimit(t *testing.T) {
	c := newTestCatalog(t, nil)
	doc, err := c.Build(context.Background())
	require.NoError(t, err)

	results := doc.Search("weather slack email", 1)
	assert.Len(t, results, 1)
}

func TestListByCategory(t *testing.T) {
	c := newTestCatalog(t, nil)
	doc, err := c.Build(context.Background())
	require.NoError(t, err)

	actions := doc.ListByCategory(CategoryAction)
	assert.Len(t, actions, 2)
}
