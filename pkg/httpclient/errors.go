package httpclient

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/upsitesolutions/sir/pkg/errors"
)

// UpstreamError describes a non-2xx answer from a search backend.
type UpstreamError struct {
	Service string
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s returned status %d", e.Service, e.Status)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Service, e.Status, e.Message)
}

// Retryable reports whether the backend may accept the same request later.
func (e *UpstreamError) Retryable() bool {
	return isRetryableStatus(e.Status)
}

// solrErrorResponse is the error envelope Solr and Elasticsearch both put
// under "error". Solr uses msg, Elasticsearch uses reason.
type solrErrorResponse struct {
	Error *struct {
		Msg    string `json:"msg"`
		Reason string `json:"reason"`
		Type   string `json:"type"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx response and returns a
// dispatch failure wrapping an *UpstreamError. The body is consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	upstream := &UpstreamError{Service: serviceName, Status: resp.StatusCode}

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		upstream.Message = fmt.Sprintf("failed to read body: %v", err)
		return apperrors.DispatchFailure(upstream)
	}

	var body solrErrorResponse
	if json.Unmarshal(bodyBytes, &body) == nil && body.Error != nil {
		switch {
		case body.Error.Msg != "":
			upstream.Message = body.Error.Msg
		case body.Error.Reason != "":
			upstream.Message = strings.TrimSpace(body.Error.Type + " " + body.Error.Reason)
		}
	}
	if upstream.Message == "" {
		upstream.Message = strings.TrimSpace(string(bodyBytes))
	}

	return apperrors.DispatchFailure(upstream)
}
