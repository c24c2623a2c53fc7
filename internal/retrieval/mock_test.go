package retrieval

import (
	"context"
	"sort"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/grantvault/orgmemory/internal/model"
)

// --- Embedder Mock ---

type mockEmbedder struct {
	mock.Mock
}

func (m *mockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	args := m.Called(ctx, text)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]float32), args.Error(1)
}

// --- Index Mock ---

type mockIndex struct {
	mock.Mock
}

func (m *mockIndex) Query(ctx context.Context, ns Namespace, vector []float32, topK int) ([]IndexMatch, error) {
	args := m.Called(ctx, ns, vector, topK)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]IndexMatch), args.Error(1)
}

// --- DocumentLookup Mock ---

type mockDocuments struct {
	mock.Mock
}

func (m *mockDocuments) GetDocuments(ctx context.Context, tenantID string, ids []string) (map[string]model.Document, error) {
	args := m.Called(ctx, tenantID, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.Document), args.Error(1)
}

// memIndex is a multi-tenant in-memory index that scores every stored
// passage by a fixed similarity, ignoring the vector.
type memIndex struct {
	mu      sync.Mutex
	bySpace map[string][]IndexMatch
}

func newMemIndex() *memIndex {
	return &memIndex{bySpace: make(map[string][]IndexMatch)}
}

func (x *memIndex) Add(tenantID string, m IndexMatch) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.bySpace[tenantID] = append(x.bySpace[tenantID], m)
}

func (x *memIndex) Query(_ context.Context, ns Namespace, _ []float32, topK int) ([]IndexMatch, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	out := append([]IndexMatch(nil), x.bySpace[ns.String()]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}
