// Package elasticsearch writes index documents with the bulk API and a
// synchronous refresh, so a successful write is immediately searchable.
package elasticsearch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"

	"github.com/upsitesolutions/sir/internal/domain"
)

// Writer implements dispatch.KindWriter for Elasticsearch.
type Writer struct {
	client *elasticsearch.Client
	prefix string
	logger *slog.Logger
}

// esBulkResponse is the structure used to decode Elasticsearch bulk responses.
type esBulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

// esErrorResponse is used to decode Elasticsearch error responses.
type esErrorResponse struct {
	Error struct {
		Type   string `json:"type"`
		Reason string `json:"reason"`
	} `json:"error"`
	Status int `json:"status"`
}

// New connects to esURL and makes sure an index exists for every kind.
// If prefix is empty, DefaultIndexPrefix is used.
func New(ctx context.Context, esURL, prefix string, transport http.RoundTripper, logger *slog.Logger) (*Writer, error) {
	if prefix == "" {
		prefix = DefaultIndexPrefix
	}

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{esURL},
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("elasticsearch: failed to create client: %w", err)
	}

	w := &Writer{client: client, prefix: prefix, logger: logger}
	for _, kind := range domain.IndexedKinds() {
		if err := w.ensureIndex(ctx, w.Index(kind)); err != nil {
			return nil, fmt.Errorf("elasticsearch: failed to ensure index: %w", err)
		}
	}
	return w, nil
}

// Index returns the index name for kind.
func (w *Writer) Index(kind domain.Kind) string {
	return w.prefix + string(kind)
}

// Ping checks whether the Elasticsearch cluster is reachable.
func (w *Writer) Ping(ctx context.Context) error {
	res, err := w.client.Ping(w.client.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("elasticsearch ping: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return fmt.Errorf("elasticsearch ping: unexpected status %s", res.Status())
	}
	return nil
}

func (w *Writer) ensureIndex(ctx context.Context, index string) error {
	res, err := w.client.Indices.Exists([]string{index}, w.client.Indices.Exists.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("check index exists: %w", err)
	}
	_ = res.Body.Close()

	if res.StatusCode == http.StatusOK {
		w.logger.Info("elasticsearch index already exists", slog.String("index", index))
		return nil
	}

	res, err = w.client.Indices.Create(
		index,
		w.client.Indices.Create.WithBody(strings.NewReader(buildIndexMapping())),
		w.client.Indices.Create.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("create index %s: %w", index, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return responseError("create index "+index, res)
	}
	w.logger.Info("elasticsearch index created", slog.String("index", index))
	return nil
}

func responseError(op string, res *esapi.Response) error {
	var errResp esErrorResponse
	if decErr := json.NewDecoder(res.Body).Decode(&errResp); decErr == nil && errResp.Error.Type != "" {
		return fmt.Errorf("%s: %s: %s", op, errResp.Error.Type, errResp.Error.Reason)
	}
	return fmt.Errorf("%s: unexpected status %s", op, res.Status())
}

// WriteKind bulk indexes docs into the kind's index with refresh=true.
// Any per-item failure fails the whole kind.
func (w *Writer) WriteKind(ctx context.Context, kind domain.Kind, docs []domain.Document) error {
	index := w.Index(kind)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for i := range docs {
		action := map[string]any{
			"index": map[string]any{
				"_index": index,
				"_id":    docs[i].GID,
			},
		}
		if err := enc.Encode(action); err != nil {
			return fmt.Errorf("elasticsearch bulk index: encode action: %w", err)
		}
		if err := enc.Encode(docs[i]); err != nil {
			return fmt.Errorf("elasticsearch bulk index: encode document: %w", err)
		}
	}

	res, err := w.client.Bulk(
		bytes.NewReader(buf.Bytes()),
		w.client.Bulk.WithIndex(index),
		w.client.Bulk.WithRefresh("true"),
		w.client.Bulk.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("elasticsearch bulk index: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.IsError() {
		return responseError("elasticsearch bulk index", res)
	}

	var bulkResp esBulkResponse
	if err := json.NewDecoder(res.Body).Decode(&bulkResp); err != nil {
		return fmt.Errorf("elasticsearch bulk index: decode response: %w", err)
	}
	_, _ = io.Copy(io.Discard, res.Body)

	if bulkResp.Errors {
		var errMsgs []string
		for _, item := range bulkResp.Items {
			if item.Index.Error.Type != "" {
				errMsgs = append(errMsgs, fmt.Sprintf("id=%s: %s: %s", item.Index.ID, item.Index.Error.Type, item.Index.Error.Reason))
			}
		}
		return fmt.Errorf("elasticsearch bulk index: partial errors: %s", strings.Join(errMsgs, "; "))
	}

	w.logger.Debug("bulk indexed documents", slog.String("index", index), slog.Int("count", len(docs)))
	return nil
}
