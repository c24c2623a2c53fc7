package vectorindex

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/grantvault/orgmemory/internal/retrieval"
	"github.com/grantvault/orgmemory/pkg/pinecone"
)

// PineconeQuerier is the client surface the adapter needs.
type PineconeQuerier interface {
	Query(ctx context.Context, req pinecone.QueryRequest) (*pinecone.QueryResponse, error)
}

// Pinecone adapts a Pinecone index. The namespace maps onto a Pinecone
// namespace of the same name.
type Pinecone struct {
	client PineconeQuerier
}

// NewPinecone wraps client.
func NewPinecone(client PineconeQuerier) *Pinecone {
	return &Pinecone{client: client}
}

// Query implements retrieval.Index.
func (p *Pinecone) Query(ctx context.Context, ns retrieval.Namespace, vector []float32, topK int) ([]retrieval.IndexMatch, error) {
	if !ns.Valid() {
		return nil, eris.Wrap(retrieval.ErrInvalidRequest, "vectorindex: namespace is required")
	}
	resp, err := p.client.Query(ctx, pinecone.QueryRequest{
		Namespace: ns.String(),
		Vector:    vector,
		TopK:      topK,
	})
	if err != nil {
		return nil, err
	}
	if resp.Namespace != "" && resp.Namespace != ns.String() {
		return nil, eris.Errorf("vectorindex: pinecone answered for namespace %q, asked %q", resp.Namespace, ns.String())
	}

	out := make([]retrieval.IndexMatch, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		out = append(out, retrieval.IndexMatch{ID: m.ID, Score: m.Score, Metadata: m.Metadata})
	}
	return out, nil
}
