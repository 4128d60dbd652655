package workflow

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/conduitq/conduit/pkg/broker"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTemplateStore(t *testing.T) *Templates {
	t.Helper()
	mr := miniredis.RunT(t)
	b := broker.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { b.Close() })
	return NewTemplates(b)
}

func reportTemplate() *Template {
	return &Template{
		Name:       "nightly_report",
		Parameters: []string{"date", "recipient"},
		Tasks: []TaskSpec{
			{
				Name:     "aggregate",
				Priority: 5,
				Kwargs:   map[string]any{"for_date": "{{date}}"},
			},
			{
				Name:      "email",
				Priority:  5,
				DependsOn: []string{"aggregate"},
				Args:      []any{"{{recipient}}"},
				Kwargs:    map[string]any{"subject": "Report for {{date}}"},
			},
		},
	}
}

func TestTemplateRoundTrip(t *testing.T) {
	ts := newTemplateStore(t)
	ctx := context.Background()

	tmpl := reportTemplate()
	require.NoError(t, ts.Save(ctx, tmpl))
	require.NotEmpty(t, tmpl.ID)

	got, err := ts.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly_report", got.Name)
	assert.Len(t, got.Tasks, 2)

	ids, err := ts.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{tmpl.ID}, ids)

	require.NoError(t, ts.Delete(ctx, tmpl.ID))
	_, err = ts.Get(ctx, tmpl.ID)
	assert.Error(t, err)
}

func TestSaveRejectsInvalidGraph(t *testing.T) {
	ts := newTemplateStore(t)
	err := ts.Save(context.Background(), &Template{
		Name: "broken",
		Tasks: []TaskSpec{
			{Name: "a", DependsOn: []string{"b"}},
			{Name: "b", DependsOn: []string{"a"}},
		},
	})
	assert.Error(t, err)
}

func TestInstantiate(t *testing.T) {
	ts := newTemplateStore(t)
	ctx := context.Background()

	tmpl := reportTemplate()
	require.NoError(t, ts.Save(ctx, tmpl))

	spec, err := ts.Instantiate(ctx, tmpl.ID, map[string]string{
		"date":      "2026-08-24",
		"recipient": "ops@example.com",
	})
	require.NoError(t, err)

	assert.Equal(t, "2026-08-24", spec.Tasks[0].Kwargs["for_date"])
	assert.Equal(t, "ops@example.com", spec.Tasks[1].Args[0])
	assert.Equal(t, "Report for 2026-08-24", spec.Tasks[1].Kwargs["subject"])

	// The stored definition keeps its placeholders
	stored, err := ts.Get(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, "{{date}}", stored.Tasks[0].Kwargs["for_date"])
}

func TestInstantiateUnresolvedParameter(t *testing.T) {
	ts := newTemplateStore(t)
	ctx := context.Background()

	tmpl := reportTemplate()
	require.NoError(t, ts.Save(ctx, tmpl))

	_, err := ts.Instantiate(ctx, tmpl.ID, map[string]string{"date": "2026-08-24"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recipient")
}
