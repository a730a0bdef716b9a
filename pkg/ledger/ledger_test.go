package ledger

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/modelgate/pkg/adapter"
	"github.com/zen-systems/modelgate/pkg/config"
	"github.com/zen-systems/modelgate/pkg/router"
)

func sampleEntry() *Entry {
	e := &Entry{
		Task:       "visual_image_gen",
		RoutingKey: "ep-1",
		Family:     "visual",
		Status:     "completed",
		Outcome:    "API",
		Provider:   "openai",
		Model:      "gpt-image",
		Decision:   &router.Decision{Task: "visual_image_gen", Tier: "image", Chain: []string{"gpt-image", "imagen"}},
		Attempts: []adapter.CallReport{
			{Provider: "google", Model: "imagen", Result: adapter.ResultTimeout, Error: "deadline exceeded"},
			{
				Provider: "openai", Model: "gpt-image", Result: adapter.ResultOK,
				Usage:        adapter.Usage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
				Cost:         adapter.Cost{Currency: "USD", Amount: 0.25, IsEstimate: true, PricingModel: "per_1k_tokens"},
				FallbackUsed: true,
			},
		},
		DurationMillis: 1200,
	}
	Stamp(e)
	return e
}

func TestStamp(t *testing.T) {
	e := sampleEntry()
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())
	assert.Equal(t, 150, e.Usage.TotalTokens, "failed attempts do not count")
	assert.InDelta(t, 0.25, e.Cost.Amount, 1e-9)
	assert.True(t, e.Cost.IsEstimate)

	id := e.ID
	Stamp(e)
	assert.Equal(t, id, e.ID, "stamping twice keeps the id")
}

func TestJSONL_AppendAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "ledger.jsonl")
	r, err := NewJSONL(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	first := sampleEntry()
	require.NoError(t, r.Record(ctx, first))
	second := sampleEntry()
	second.Status = "failed"
	second.ErrorClass = "provider"
	require.NoError(t, r.Record(ctx, second))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, first.ID, entries[0].ID)
	assert.Equal(t, "failed", entries[1].Status)
	assert.Equal(t, []string{"gpt-image", "imagen"}, entries[0].Decision.Chain)
	assert.Len(t, entries[0].Attempts, 2)

	last, err := Tail(path, 1)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, second.ID, last[0].ID)
}

func TestJSONL_ConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	a, err := NewJSONL(path, nil)
	require.NoError(t, err)
	b, err := NewJSONL(path, nil)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		rec := a
		if i%2 == 1 {
			rec = b
		}
		go func() {
			defer wg.Done()
			assert.NoError(t, rec.Record(context.Background(), sampleEntry()))
		}()
	}
	wg.Wait()

	entries, err := ReadAll(path)
	require.NoError(t, err)
	assert.Len(t, entries, 40, "no torn or interleaved lines")
}

func TestReadAll_SkipsTornLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("{\"id\":\"a\",\"task\":\"t\",\"status\":\"completed\"}\n{\"id\":\"b\",\"ta"), 0o600))

	entries, err := ReadAll(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "a", entries[0].ID)

	missing, err := ReadAll(filepath.Join(t.TempDir(), "absent.jsonl"))
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	ctx := context.Background()

	require.NoError(t, m.Record(ctx, sampleEntry()))
	hit := &Entry{Task: "t", Status: "completed", Outcome: "CACHE", CacheHit: true}
	require.NoError(t, m.Record(ctx, hit))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("visual", "completed", "API")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dispatches.WithLabelValues("none", "completed", "CACHE")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("google", "imagen", "timeout")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.attempts.WithLabelValues("openai", "gpt-image", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheHits))
	assert.Equal(t, 100.0, testutil.ToFloat64(m.tokens.WithLabelValues("openai", "gpt-image", "prompt")))
	assert.InDelta(t, 0.25, testutil.ToFloat64(m.cost.WithLabelValues("openai", "gpt-image")), 1e-9)

	n, err := testutil.GatherAndCount(reg, "modelgate_dispatch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

type failingRecorder struct{ err error }

func (f failingRecorder) Record(context.Context, *Entry) error { return f.err }

type countingRecorder struct{ n int }

func (c *countingRecorder) Record(context.Context, *Entry) error {
	c.n++
	return nil
}

func TestMulti(t *testing.T) {
	boom := errors.New("disk full")
	counter := &countingRecorder{}
	m := Multi{failingRecorder{err: boom}, nil, counter, Discard{}}

	err := m.Record(context.Background(), sampleEntry())
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, counter.n, "a failing recorder does not starve the others")
}

func TestEstimateCost(t *testing.T) {
	usage := NormalizeUsage(&adapter.Usage{PromptTokens: 2000, CompletionTokens: 500})
	assert.Equal(t, 2500, usage.TotalTokens)

	cost, ok := EstimateCost(config.ModelPricing{PromptPer1K: 0.003, CompletionPer1K: 0.015}, usage)
	require.True(t, ok)
	assert.InDelta(t, 0.006+0.0075, cost.Amount, 1e-9)
	assert.True(t, cost.IsEstimate)
	assert.Equal(t, "USD", cost.Currency)

	_, ok = EstimateCost(config.ModelPricing{}, usage)
	assert.False(t, ok)

	assert.Equal(t, adapter.Usage{}, NormalizeUsage(nil))
}
