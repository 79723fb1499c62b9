// Package propagate notifies the external collaborators that mirror the
// graph: the document store re-links mentions after identity changes, the
// vector store refreshes its embeddings. Both are best-effort from the
// engine's point of view; the pending-resync ledger in the store is the
// durable record.
package propagate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agenthands/loom/internal/store"
)

// DocumentStore re-links document mentions after a node's identity
// changed.
type DocumentStore interface {
	PropagateUpdate(ctx context.Context, nodeID string) error
}

// VectorStore keeps embedding-side state in step with the graph. The
// graph never computes similarity itself; it only tells the vector side
// what changed.
type VectorStore interface {
	NotifyUpsert(ctx context.Context, node *store.Node) error
	NotifyDelete(ctx context.Context, nodeID string) error
}

// NoopDocumentStore and NoopVectorStore support standalone operation
// with no collaborators configured.
type NoopDocumentStore struct{}

func (NoopDocumentStore) PropagateUpdate(ctx context.Context, nodeID string) error { return nil }

type NoopVectorStore struct{}

func (NoopVectorStore) NotifyUpsert(ctx context.Context, node *store.Node) error { return nil }
func (NoopVectorStore) NotifyDelete(ctx context.Context, nodeID string) error    { return nil }

// HTTPDocumentStore POSTs update notifications to a configured URL.
type HTTPDocumentStore struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPDocumentStore(url string, logger *zap.Logger) *HTTPDocumentStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPDocumentStore{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (d *HTTPDocumentStore) PropagateUpdate(ctx context.Context, nodeID string) error {
	return postJSON(ctx, d.client, d.url+"/resync", map[string]string{"node_id": nodeID})
}

// HTTPVectorStore POSTs upsert/delete notifications to a configured URL.
type HTTPVectorStore struct {
	url    string
	client *http.Client
	logger *zap.Logger
}

func NewHTTPVectorStore(url string, logger *zap.Logger) *HTTPVectorStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPVectorStore{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}
}

func (v *HTTPVectorStore) NotifyUpsert(ctx context.Context, node *store.Node) error {
	return postJSON(ctx, v.client, v.url+"/upsert", node)
}

func (v *HTTPVectorStore) NotifyDelete(ctx context.Context, nodeID string) error {
	return postJSON(ctx, v.client, v.url+"/delete", map[string]string{"node_id": nodeID})
}

func postJSON(ctx context.Context, client *http.Client, url string, payload interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode notification: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("notification to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification to %s returned %d", url, resp.StatusCode)
	}
	return nil
}
