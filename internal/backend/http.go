package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"
)

// newHTTPClient returns the client shared by the HTTP-based providers.
// Per-attempt deadlines come from the request context, so the client
// timeout is only a ceiling.
func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 2 * time.Minute}
}

// postJSON sends body as JSON to url and returns the raw response body of a
// 2xx reply. Non-2xx statuses become *Error via statusError.
func postJSON(ctx context.Context, hc *http.Client, p Provider, url string, header http.Header, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Provider: p, Reason: ReasonConfig, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Provider: p, Reason: ReasonConfig, Err: err}
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return nil, transportError(ctx, p, err)
	}
	defer resp.Body.Close()

	// Read limit+1 to distinguish "exactly at limit" from "over limit".
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		return nil, transportError(ctx, p, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, statusError(p, resp.StatusCode, respBody)
	}
	if len(respBody) > maxResponseBodySize {
		return nil, malformed(p, "response body exceeds %d bytes", maxResponseBodySize)
	}
	return respBody, nil
}
