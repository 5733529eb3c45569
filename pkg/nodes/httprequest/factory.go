package httprequest

import (
	"github.com/loomhq/loom/pkg/protocol"
)

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Create(id string, config map[string]any) (protocol.Node, error) {
	return NewHTTPRequestNode(id, config)
}

func (f *Factory) ID() string {
	return "httprequest"
}

func (f *Factory) Name() string {
	return "HTTP Request"
}

func (f *Factory) Description() string {
	return "Performs an HTTP request and routes the outcome to success or error"
}

func (f *Factory) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{
				"type":        "string",
				"description": "Request URL, supports {{variable}} syntax",
			},
			"method": map[string]any{
				"type": "string",
				"enum": []any{"GET", "POST", "PUT", "DELETE", "PATCH", "HEAD", "OPTIONS"},
			},
			"headers": map[string]any{
				"type": "object",
			},
			"body": map[string]any{
				"type":        "string",
				"description": "Request body, supports {{variable}} syntax",
			},
			"timeout": map[string]any{
				"type":        "number",
				"minimum":     1,
				"maximum":     300,
				"description": "Request timeout in seconds",
			},
		},
		"required": []any{"url"},
	}
}
