package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brandon/mailhub/pkg/types"
)

func subjects(msgs []types.Email) []string {
	out := make([]string, len(msgs))
	for i := range msgs {
		out[i] = msgs[i].Subject
	}
	return out
}

func TestSearchCandidates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := seedAccount(t, s, "alice")
	base := time.Unix(1700000000, 0)

	a := testEmail("alice@corp.com", "Invoice March", base)
	b := testEmail("bob@corp.com", "Invoice April", base.Add(time.Minute))
	b.IsStarred = true
	c := testEmail("carol@home.net", "Lunch", base.Add(2*time.Minute))
	c.Attachments = []types.Attachment{{ID: "0", Filename: "menu.pdf"}}
	_, err := s.Upsert(ctx, acc, []types.Email{a, b, c})
	require.NoError(t, err)

	yes := true
	tests := []struct {
		name     string
		criteria types.SearchCriteria
		want     []string
	}{
		{"no filters", types.SearchCriteria{}, []string{"Lunch", "Invoice April", "Invoice March"}},
		{"or within key", types.SearchCriteria{From: []string{"alice", "carol"}}, []string{"Lunch", "Invoice March"}},
		{"and across keys", types.SearchCriteria{From: []string{"corp.com"}, Subject: []string{"april"}}, []string{"Invoice April"}},
		{"starred", types.SearchCriteria{IsStarred: &yes}, []string{"Invoice April"}},
		{"attachment", types.SearchCriteria{HasAttachment: &yes}, []string{"Lunch"}},
		{"folder", types.SearchCriteria{Folders: []string{"Archive"}}, []string{}},
		{"contains body", types.SearchCriteria{Contains: []string{"body of lunch"}}, []string{"Lunch"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.SearchCandidates(ctx, acc, tt.criteria)
			require.NoError(t, err)
			assert.Equal(t, tt.want, subjects(got))
		})
	}
}

func TestEmbeddingsAndSummaries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := seedAccount(t, s, "alice")
	inserted, err := s.Upsert(ctx, acc, []types.Email{
		testEmail("a@example.com", "A", time.Unix(1700000000, 0)),
		testEmail("b@example.com", "B", time.Unix(1700000100, 0)),
	})
	require.NoError(t, err)

	missing, err := s.MissingEmbeddings(ctx, acc, 10)
	require.NoError(t, err)
	require.Len(t, missing, 2)
	assert.Equal(t, "B", missing[0].Subject)

	require.NoError(t, s.SetEmbedding(ctx, inserted[0].ID, "test-model", []float32{0.5, -1.25, 3}))

	missing, err = s.MissingEmbeddings(ctx, acc, 10)
	require.NoError(t, err)
	assert.Len(t, missing, 1)

	vecs, err := s.Embeddings(ctx, acc)
	require.NoError(t, err)
	require.Len(t, vecs, 1)
	assert.Equal(t, inserted[0].ID, vecs[0].EmailID)
	assert.Equal(t, []float32{0.5, -1.25, 3}, vecs[0].Vector)

	_, err = s.GetSummary(ctx, inserted[0].ID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	now := time.Unix(1700000500, 0).UTC()
	require.NoError(t, s.SaveSummary(ctx, &types.Summary{EmailID: inserted[0].ID, Text: "short", Model: "m", GeneratedAt: now}))
	sum, err := s.GetSummary(ctx, inserted[0].ID)
	require.NoError(t, err)
	assert.Equal(t, "short", sum.Text)
	assert.Equal(t, now, sum.GeneratedAt)
}

func TestSearchFoldsNonASCIICase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	acc := seedAccount(t, s, "alice")
	base := time.Unix(1700000000, 0)

	e := testEmail("emile@example.fr", "Réunion ÉTÉ", base)
	e.SenderName = "Émile Zola"
	other := testEmail("bob@example.com", "Plain", base.Add(time.Minute))
	_, err := s.Upsert(ctx, acc, []types.Email{e, other})
	require.NoError(t, err)

	got, err := s.SearchCandidates(ctx, acc, types.SearchCriteria{From: []string{"émile"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Réunion ÉTÉ"}, subjects(got))

	got, err = s.SearchCandidates(ctx, acc, types.SearchCriteria{Subject: []string{"réunion été"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Réunion ÉTÉ"}, subjects(got))

	res := s.QueryPage(ctx, PageQuery{AccountID: acc, PageSize: 10, Page: 1, Search: "ÉMILE"})
	require.Equal(t, CacheHit, res.Status)
	assert.Equal(t, []string{"Réunion ÉTÉ"}, subjects(res.Messages))

	// LIKE wildcards in the needle stay literal
	res = s.QueryPage(ctx, PageQuery{AccountID: acc, PageSize: 10, Page: 1, Search: "%"})
	assert.Equal(t, CacheMiss, res.Status)
}
