package simcloud

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/simcloud-ai/simcloud-go/pkg/resource"
)

// APIError is a non-2xx response from the SimCloud API.
type APIError struct {
	// StatusCode is the HTTP status.
	StatusCode int

	// Message is the server's error message, or the raw body when the
	// response was not the usual JSON error shape.
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("simcloud api: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("simcloud api: status %d", e.StatusCode)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// do performs one JSON request against the API. Transport retry and token
// refresh are out of scope here: requests are issued once, with whatever
// credential the token source currently holds.
func (c *Client) do(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("simcloud: encode request body: %w", err)
		}
		bodyReader = bytes.NewReader(encoded)
	}
	return c.doRaw(ctx, method, path, "application/json", bodyReader)
}

// doRaw performs one request with an arbitrary body (binary uploads).
func (c *Client) doRaw(ctx context.Context, method, path, contentType string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("simcloud: build request: %w", err)
	}
	if body != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.tokens != nil {
		token, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("simcloud: acquire token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("simcloud: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("simcloud: read %s %s response: %w", method, path, err)
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return respBody, nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}
	var parsed struct {
		Message string `json:"message"`
	}
	if json.Unmarshal(respBody, &parsed) == nil && parsed.Message != "" {
		apiErr.Message = parsed.Message
	} else {
		apiErr.Message = string(bytes.TrimSpace(respBody))
	}
	return nil, apiErr
}

// getObject fetches one full snapshot as a raw map.
func (c *Client) getObject(ctx context.Context, path string) (map[string]any, error) {
	raw, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	return decodeObject(raw)
}

// fetcher builds the registry Fetcher for one resource collection.
func (c *Client) fetcher(collection string) resource.Fetcher {
	return func(ctx context.Context, id string) (map[string]any, error) {
		return c.getObject(ctx, "/"+collection+"/"+id)
	}
}

func decodeObject(raw json.RawMessage) (map[string]any, error) {
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("simcloud: decode object: %w", err)
	}
	return fields, nil
}

func decodeObjectList(raw json.RawMessage) ([]map[string]any, error) {
	var list []map[string]any
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("simcloud: decode object list: %w", err)
	}
	return list, nil
}
