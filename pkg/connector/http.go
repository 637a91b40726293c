package connector

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/flowforge/flowforge/pkg/protocol"
)

const defaultHTTPTimeout = 30 * time.Second

// HTTPConnector executes actions as HTTP requests. Params: method, url,
// headers (map), body (string or JSON value). When credentials are
// present the access token is sent as a bearer token.
type HTTPConnector struct {
	client   *http.Client
	simulate *SimulateConnector
	logger   *slog.Logger
}

// NewHTTPConnector creates an HTTP connector. Simulate requests are
// delegated to the given simulate connector.
func NewHTTPConnector(simulate *SimulateConnector, logger *slog.Logger) *HTTPConnector {
	return &HTTPConnector{
		client:   &http.Client{Timeout: defaultHTTPTimeout},
		simulate: simulate,
		logger:   logger.With("module", "http_connector"),
	}
}

func (c *HTTPConnector) Execute(ctx context.Context, req protocol.ConnectorRequest) (*protocol.ConnectorResult, error) {
	if req.Simulate {
		return c.simulate.Execute(ctx, req)
	}

	started := time.Now()

	httpReq, err := c.buildRequest(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request failed for action %s: %w", req.ActionName, err)
	}

	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.ErrorContext(ctx, "failed to close response body", "error", err)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	result := &protocol.ConnectorResult{
		DurationMS: time.Since(started).Milliseconds(),
	}

	var output any
	if err := json.Unmarshal(body, &output); err != nil {
		output = string(body)
	}

	result.Output = map[string]any{
		"status_code": resp.StatusCode,
		"body":        output,
	}

	if resp.StatusCode >= 400 {
		result.Status = protocol.ConnectorStatusError
		result.Error = fmt.Sprintf("http status %d", resp.StatusCode)
	} else {
		result.Status = protocol.ConnectorStatusSuccess
	}

	return result, nil
}

func (c *HTTPConnector) buildRequest(ctx context.Context, req protocol.ConnectorRequest) (*http.Request, error) {
	method, _ := req.Params["method"].(string)
	if method == "" {
		method = http.MethodGet
	}

	url, _ := req.Params["url"].(string)
	if url == "" {
		return nil, fmt.Errorf("action %s: missing required param 'url'", req.ActionName)
	}

	var bodyReader io.Reader

	switch body := req.Params["body"].(type) {
	case nil:
	case string:
		if body != "" {
			bodyReader = strings.NewReader(body)
		}
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}

		bodyReader = strings.NewReader(string(encoded))
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create http request: %w", err)
	}

	if headers, ok := req.Params["headers"].(map[string]any); ok {
		for name, value := range headers {
			if text, ok := value.(string); ok {
				httpReq.Header.Set(name, text)
			}
		}
	}

	if httpReq.Header.Get("Content-Type") == "" && bodyReader != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	if req.Credentials != nil && req.Credentials.AccessToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+req.Credentials.AccessToken)
	}

	return httpReq, nil
}
