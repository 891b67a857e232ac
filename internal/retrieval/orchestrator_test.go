package retrieval

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rag-chatbot/backend/internal/errs"
)

type fakeEmbedder struct {
	vector []float32
	err    error
	calls  int
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.vector, nil
}

type fakeIndex struct {
	docs      []Document
	err       error
	gotQuery  string
	gotVector []float32
	gotK      int
}

func (f *fakeIndex) Search(ctx context.Context, queryText string, vector []float32, k int) ([]Document, error) {
	f.gotQuery = queryText
	f.gotVector = vector
	f.gotK = k
	if f.err != nil {
		return nil, f.err
	}
	return f.docs, nil
}

type fakeCache struct {
	entries  map[string][]float32
	getErr   error
	setCalls int
}

func (f *fakeCache) GetEmbedding(ctx context.Context, key string) ([]float32, bool, error) {
	if f.getErr != nil {
		return nil, false, f.getErr
	}
	vector, ok := f.entries[key]
	return vector, ok, nil
}

func (f *fakeCache) SetEmbedding(ctx context.Context, key string, embedding []float32) error {
	f.setCalls++
	f.entries[key] = embedding
	return nil
}

func TestRetrievePreservesIndexOrder(t *testing.T) {
	docs := []Document{
		{Text: "third best by text, first by score", Score: 0.91},
		{Text: "second", Score: 0.72},
		{Text: "first by text, third by score", Score: 0.55},
	}
	embedder := &fakeEmbedder{vector: []float32{0.1, 0.2, 0.3}}
	index := &fakeIndex{docs: docs}
	o := NewOrchestrator(embedder, index, nil)

	got, err := o.Retrieve(context.Background(), "refund policy", 3)
	require.NoError(t, err)
	require.Equal(t, docs, got)

	require.Equal(t, "refund policy", index.gotQuery)
	require.Equal(t, embedder.vector, index.gotVector)
	require.Equal(t, 3, index.gotK)
}

func TestRetrieveInvalidK(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	o := NewOrchestrator(embedder, &fakeIndex{}, nil)

	_, err := o.Retrieve(context.Background(), "refund policy", 0)
	require.ErrorIs(t, err, errs.ErrInvalidArgument)
	require.Zero(t, embedder.calls)
}

func TestRetrieveEmbeddingFailure(t *testing.T) {
	cause := errors.New("embedding service down")
	o := NewOrchestrator(&fakeEmbedder{err: cause}, &fakeIndex{}, nil)

	_, err := o.Retrieve(context.Background(), "refund policy", 3)
	require.ErrorIs(t, err, errs.ErrRetrievalFailed)
	require.ErrorIs(t, err, cause)
}

func TestRetrieveIndexFailure(t *testing.T) {
	cause := errors.New("index timeout")
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	o := NewOrchestrator(embedder, &fakeIndex{err: cause}, nil)

	_, err := o.Retrieve(context.Background(), "refund policy", 3)
	require.ErrorIs(t, err, errs.ErrRetrievalFailed)
	require.ErrorIs(t, err, cause)
}

func TestRetrieveEmptyIndexResult(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.1}}
	o := NewOrchestrator(embedder, &fakeIndex{}, nil)

	got, err := o.Retrieve(context.Background(), "unmatched query", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRetrieveCacheHitSkipsEmbedder(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.5, 0.6}}
	index := &fakeIndex{docs: []Document{{Text: "doc"}}}
	cache := &fakeCache{entries: map[string][]float32{}}
	o := NewOrchestrator(embedder, index, cache)

	_, err := o.Retrieve(context.Background(), "refund policy", 1)
	require.NoError(t, err)
	require.Equal(t, 1, embedder.calls)
	require.Equal(t, 1, cache.setCalls)

	_, err = o.Retrieve(context.Background(), "refund policy", 1)
	require.NoError(t, err)
	require.Equal(t, 1, embedder.calls)
	require.Equal(t, embedder.vector, index.gotVector)
}

func TestRetrieveCacheFailureIsNotFatal(t *testing.T) {
	embedder := &fakeEmbedder{vector: []float32{0.5}}
	index := &fakeIndex{docs: []Document{{Text: "doc"}}}
	cache := &fakeCache{entries: map[string][]float32{}, getErr: errors.New("redis down")}
	o := NewOrchestrator(embedder, index, cache)

	got, err := o.Retrieve(context.Background(), "refund policy", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, 1, embedder.calls)
}
