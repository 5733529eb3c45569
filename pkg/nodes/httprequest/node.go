// Package httprequest provides the HTTP request node for workflow graph execution.
package httprequest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loomhq/loom/pkg/models"
	"github.com/loomhq/loom/pkg/protocol"
	"github.com/loomhq/loom/pkg/template"
)

const (
	OutputPortSuccess = "success"
	OutputPortError   = models.PortError
)

// HTTPRequestNode performs an HTTP request and routes the outcome to the
// success or error port.
type HTTPRequestNode struct {
	id     string
	config Config
}

// Config defines the configuration for HTTP request nodes.
type Config struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
	Timeout int               `json:"timeout"`
}

func NewHTTPRequestNode(id string, config map[string]any) (*HTTPRequestNode, error) {
	httpConfig := Config{
		Method:  "GET",
		Headers: make(map[string]string),
		Timeout: 30,
	}

	if url, ok := config["url"].(string); ok {
		httpConfig.URL = url
	} else {
		return nil, errors.New("missing required field 'url'")
	}

	if method, ok := config["method"].(string); ok {
		httpConfig.Method = strings.ToUpper(method)
	}

	if headers, ok := config["headers"].(map[string]any); ok {
		for k, v := range headers {
			if strVal, ok := v.(string); ok {
				httpConfig.Headers[k] = strVal
			}
		}
	}

	if body, ok := config["body"].(string); ok {
		httpConfig.Body = body
	}

	if timeout, ok := config["timeout"].(float64); ok {
		httpConfig.Timeout = int(timeout)
	}

	return &HTTPRequestNode{id: id, config: httpConfig}, nil
}

func (n *HTTPRequestNode) ID() string {
	return n.id
}

func (n *HTTPRequestNode) Type() string {
	return "httprequest"
}

// Execute performs the HTTP request and emits on the success or error port.
// Transport failures surface on the error port rather than as node errors so
// workflows can handle them with an explicit error branch.
func (n *HTTPRequestNode) Execute(ctx context.Context, state *models.ExecutionContext, _ protocol.Input) (*protocol.Result, error) {
	renderedURL, err := template.Resolve(n.config.URL, state)
	if err != nil {
		return n.errorResult(fmt.Sprintf("failed to resolve URL template: %v", err)), nil
	}

	urlStr, ok := renderedURL.(string)
	if !ok {
		return n.errorResult("URL template must resolve to a string"), nil
	}

	var renderedBody string

	if n.config.Body != "" {
		renderedBodyAny, err := template.Resolve(n.config.Body, state)
		if err != nil {
			return n.errorResult(fmt.Sprintf("failed to resolve body template: %v", err)), nil
		}

		switch v := renderedBodyAny.(type) {
		case string:
			renderedBody = v
		default:
			encoded, err := json.Marshal(v)
			if err != nil {
				return n.errorResult(fmt.Sprintf("failed to encode body: %v", err)), nil
			}

			renderedBody = string(encoded)
		}
	}

	renderedHeaders := make(map[string]string)

	for key, value := range n.config.Headers {
		renderedValue, err := template.Resolve(value, state)
		if err != nil {
			renderedHeaders[key] = value
		} else if strVal, ok := renderedValue.(string); ok {
			renderedHeaders[key] = strVal
		} else {
			renderedHeaders[key] = value
		}
	}

	result, err := n.performRequest(ctx, urlStr, renderedBody, renderedHeaders)
	if err != nil {
		return n.errorResult(err.Error()), nil
	}

	return protocol.Branch(OutputPortSuccess, map[string]any{
		"success":     true,
		"status_code": result["status_code"],
		"data":        result,
	}), nil
}

// errorResult shapes a failure payload for the error port.
func (n *HTTPRequestNode) errorResult(message string) *protocol.Result {
	return protocol.Branch(OutputPortError, map[string]any{
		"success": false,
		"error":   message,
	})
}

// HTTPError represents an HTTP error with status code.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// performRequest executes a single HTTP request.
func (n *HTTPRequestNode) performRequest(ctx context.Context, url, body string, headers map[string]string) (map[string]any, error) {
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, n.config.Method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	for key, value := range headers {
		req.Header.Set(key, value)
	}

	if body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: time.Duration(n.config.Timeout) * time.Second,
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &HTTPError{
			StatusCode: resp.StatusCode,
			Message:    string(respBody),
		}
	}

	result := map[string]any{
		"status_code": resp.StatusCode,
		"headers":     resp.Header,
		"body":        string(respBody),
	}

	var jsonBody any
	if err := json.Unmarshal(respBody, &jsonBody); err == nil {
		result["json"] = jsonBody
	}

	return result, nil
}
