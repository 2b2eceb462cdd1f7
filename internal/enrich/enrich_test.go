package enrich

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/strata/internal/failure"
	"github.com/kalambet/strata/internal/ollama"
)

type fakeProvider struct {
	embedFn func(ctx context.Context, model string, inputs []string) ([][]float32, error)
	chatFn  func(ctx context.Context, model string, messages []ollama.Message) (string, error)
}

func (f *fakeProvider) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	return f.embedFn(ctx, model, inputs)
}

func (f *fakeProvider) Chat(ctx context.Context, model string, messages []ollama.Message) (string, error) {
	return f.chatFn(ctx, model, messages)
}

func TestEnrichEmbeddingsAndSummaries(t *testing.T) {
	var embedCalls atomic.Int32
	p := &fakeProvider{
		embedFn: func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
			embedCalls.Add(1)
			out := make([][]float32, len(inputs))
			for i := range inputs {
				out[i] = []float32{float32(i)}
			}
			return out, nil
		},
		chatFn: func(ctx context.Context, model string, messages []ollama.Message) (string, error) {
			user := messages[len(messages)-1].Content
			if !strings.HasPrefix(user, "Document: docs/a.md") {
				return "", errors.New("missing document context")
			}
			return "  summary of " + user[strings.LastIndex(user, "\n")+1:] + "\n", nil
		},
	}
	e := New(p, Config{EmbedModel: "embed", SummaryModel: "chat"})

	res, err := e.Enrich(context.Background(), []string{"one", "two", "three"}, "docs/a.md")
	require.NoError(t, err)
	require.Len(t, res, 3)
	assert.Equal(t, int32(1), embedCalls.Load(), "embeddings are requested in one batch")
	assert.Equal(t, []float32{2}, res[2].Embedding)
	assert.Equal(t, "summary of two", res[1].Summary)
}

func TestEnrichDisabled(t *testing.T) {
	e := New(&fakeProvider{}, Config{})
	assert.False(t, e.Enabled())

	res, err := e.Enrich(context.Background(), []string{"a", "b"}, "")
	require.NoError(t, err)
	assert.Len(t, res, 2)
}

func TestEnrichTimeoutIsTransient(t *testing.T) {
	p := &fakeProvider{
		embedFn: func(ctx context.Context, model string, inputs []string) ([][]float32, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}
	e := New(p, Config{EmbedModel: "embed", CallTimeout: 10 * time.Millisecond})

	_, err := e.Enrich(context.Background(), []string{"a"}, "")
	require.Error(t, err)
	assert.Equal(t, failure.ClassTransient, failure.ClassOf(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEnrichClientErrorIsPermanent(t *testing.T) {
	p := &fakeProvider{
		chatFn: func(ctx context.Context, model string, messages []ollama.Message) (string, error) {
			return "", &ollama.StatusError{Op: "chat", StatusCode: 404, Body: "model not found"}
		},
	}
	e := New(p, Config{SummaryModel: "missing"})

	_, err := e.Enrich(context.Background(), []string{"a"}, "")
	require.Error(t, err)
	assert.Equal(t, failure.ClassPermanent, failure.ClassOf(err))
}

func TestEnrichServerErrorIsTransient(t *testing.T) {
	p := &fakeProvider{
		chatFn: func(ctx context.Context, model string, messages []ollama.Message) (string, error) {
			return "", &ollama.StatusError{Op: "chat", StatusCode: 503}
		},
	}
	e := New(p, Config{SummaryModel: "busy"})

	_, err := e.Enrich(context.Background(), []string{"a"}, "")
	assert.True(t, failure.IsRetryable(err))
}

func TestSummaryInputIsTruncated(t *testing.T) {
	var seen int
	p := &fakeProvider{
		chatFn: func(ctx context.Context, model string, messages []ollama.Message) (string, error) {
			seen = len(messages[1].Content)
			return "ok", nil
		},
	}
	e := New(p, Config{SummaryModel: "chat", MaxSummaryInput: 100, Concurrency: 1})

	_, err := e.Enrich(context.Background(), []string{strings.Repeat("x", 500)}, "")
	require.NoError(t, err)
	assert.Equal(t, 100, seen)
}
