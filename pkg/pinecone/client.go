// Package pinecone queries a Pinecone index through the official SDK.
// Every query opens an index connection scoped to one namespace.
package pinecone

import (
	"context"
	"strings"

	sdk "github.com/pinecone-io/go-pinecone/v3/pinecone"
	"github.com/rotisserie/eris"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/grantvault/orgmemory/internal/resilience"
)

// ErrNamespaceRequired is returned when a query names no namespace.
var ErrNamespaceRequired = eris.New("pinecone: namespace is required")

// Match is one query hit.
type Match struct {
	ID       string         `json:"id"`
	Score    float64        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// QueryRequest is a similarity query against one namespace. Metadata is
// always requested.
type QueryRequest struct {
	Namespace     string
	Vector        []float32
	TopK          int
	IncludeValues bool
}

// QueryResponse carries the matches for the queried namespace.
type QueryResponse struct {
	Namespace string  `json:"namespace"`
	Matches   []Match `json:"matches"`
}

// indexConn is the part of *sdk.IndexConnection the client uses.
type indexConn interface {
	QueryByVectorValues(ctx context.Context, in *sdk.QueryByVectorValuesRequest) (*sdk.QueryVectorsResponse, error)
	Close() error
}

// Client queries one index host.
type Client struct {
	host string
	dial func(host, namespace string) (indexConn, error)
}

// NewClient creates a client for indexHost, e.g.
// my-index-abc123.svc.us-east1-gcp.pinecone.io. A scheme prefix is dropped.
func NewClient(apiKey, indexHost string) (*Client, error) {
	pc, err := sdk.NewClient(sdk.NewClientParams{ApiKey: apiKey})
	if err != nil {
		return nil, eris.Wrap(err, "pinecone: create client")
	}
	return &Client{
		host: normalizeHost(indexHost),
		dial: func(host, namespace string) (indexConn, error) {
			conn, err := pc.Index(sdk.NewIndexConnParams{Host: host, Namespace: namespace})
			if err != nil {
				return nil, err
			}
			return conn, nil
		},
	}, nil
}

func normalizeHost(h string) string {
	h = strings.TrimPrefix(h, "https://")
	h = strings.TrimPrefix(h, "http://")
	return strings.TrimRight(h, "/")
}

// Query runs a similarity query inside req.Namespace.
func (c *Client) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.Namespace == "" {
		return nil, ErrNamespaceRequired
	}
	if req.TopK < 1 {
		return nil, eris.Errorf("pinecone: topK=%d must be >= 1", req.TopK)
	}

	conn, err := c.dial(c.host, req.Namespace)
	if err != nil {
		return nil, classify(err, "pinecone: connect to index")
	}
	defer conn.Close() //nolint:errcheck

	res, err := conn.QueryByVectorValues(ctx, &sdk.QueryByVectorValuesRequest{
		Vector:          req.Vector,
		TopK:            uint32(req.TopK),
		IncludeMetadata: true,
		IncludeValues:   req.IncludeValues,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, eris.Wrap(ctxErr, "pinecone: query")
		}
		return nil, classify(err, "pinecone: query")
	}

	out := &QueryResponse{Namespace: req.Namespace, Matches: make([]Match, 0, len(res.Matches))}
	for _, m := range res.Matches {
		if m == nil || m.Vector == nil {
			continue
		}
		match := Match{ID: m.Vector.Id, Score: float64(m.Score)}
		if m.Vector.Metadata != nil {
			match.Metadata = m.Vector.Metadata.AsMap()
		}
		out.Matches = append(out.Matches, match)
	}
	return out, nil
}

// classify wraps err and marks gRPC codes that may succeed on retry as
// transient.
func classify(err error, msg string) error {
	wrapped := eris.Wrap(err, msg)
	if st, ok := status.FromError(err); ok {
		switch st.Code() {
		case codes.Unavailable, codes.ResourceExhausted, codes.Aborted, codes.Internal, codes.DeadlineExceeded:
			return resilience.NewTransientError(wrapped, 0)
		}
	}
	return wrapped
}
