// Package solr writes index documents to Solr cores through the update
// handler, committing each batch before returning.
package solr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/upsitesolutions/sir/internal/domain"
	"github.com/upsitesolutions/sir/pkg/httpclient"
)

// Config holds the Solr connection settings.
type Config struct {
	// BaseURL is the Solr root, e.g. http://localhost:8983/solr.
	BaseURL string
	// CorePrefix is prepended to the kind to form the core name.
	CorePrefix string
}

// Doer is the subset of the circuit breaker client the writer needs.
type Doer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// Writer implements dispatch.KindWriter for Solr.
type Writer struct {
	base   *url.URL
	prefix string
	client Doer
	logger *slog.Logger
}

// New creates a Solr writer on client.
func New(cfg Config, client Doer, logger *slog.Logger) (*Writer, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("solr: parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("solr: base url %q must be absolute", cfg.BaseURL)
	}
	return &Writer{base: base, prefix: cfg.CorePrefix, client: client, logger: logger}, nil
}

// Core returns the core name for kind.
func (w *Writer) Core(kind domain.Kind) string {
	return w.prefix + string(kind)
}

func (w *Writer) coreURL(kind domain.Kind, path string, query url.Values) string {
	u := *w.base
	u.Path = u.Path + "/" + w.Core(kind) + path
	u.RawQuery = query.Encode()
	return u.String()
}

// WriteKind posts docs to the kind's update handler with commit=true.
func (w *Writer) WriteKind(ctx context.Context, kind domain.Kind, docs []domain.Document) error {
	body, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("solr: marshal %s documents: %w", kind, err)
	}

	target := w.coreURL(kind, "/update", url.Values{"commit": {"true"}, "wt": {"json"}})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("solr: build update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("solr: update %s: %w", w.Core(kind), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return httpclient.ParseResponseError(resp, "solr core "+w.Core(kind))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	w.logger.Debug("solr update committed",
		slog.String("core", w.Core(kind)),
		slog.Int("count", len(docs)),
	)
	return nil
}

// Ping checks every indexed core through its ping handler.
func (w *Writer) Ping(ctx context.Context) error {
	for _, kind := range domain.IndexedKinds() {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.coreURL(kind, "/admin/ping", url.Values{"wt": {"json"}}), http.NoBody)
		if err != nil {
			return fmt.Errorf("solr: build ping request: %w", err)
		}
		resp, err := w.client.Do(ctx, req)
		if err != nil {
			return fmt.Errorf("solr: ping %s: %w", w.Core(kind), err)
		}
		if resp.StatusCode != http.StatusOK {
			return httpclient.ParseResponseError(resp, "solr core "+w.Core(kind))
		}
		_ = resp.Body.Close()
	}
	return nil
}
