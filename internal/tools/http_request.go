package tools

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// httpRequestTool performs arbitrary HTTP calls, constrained by the
// blueprint's domain allowlist.
type httpRequestTool struct {
	name    string
	headers map[string]string
	allow   Allowlist
	client  *http.Client
}

// HTTPRequestFactory builds http_request tools.
func HTTPRequestFactory() contracts.ToolFactory {
	return func(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
		headers := make(map[string]string)
		if h, ok := arm.Config["headers"].(map[string]any); ok {
			for k, v := range h {
				if s, ok := v.(string); ok {
					headers[k] = s
				}
			}
		}
		return &httpRequestTool{
			name:    arm.Name,
			headers: headers,
			allow:   Allowlist(bp.Spine.AllowedDomains),
			client:  &http.Client{Timeout: 15 * time.Second},
		}, nil
	}
}

func (t *httpRequestTool) Name() string { return t.name }

func (t *httpRequestTool) Spec() contracts.ToolSpec {
	return contracts.ToolSpec{
		Name:        t.name,
		Description: "Perform an HTTP request against an allowed domain and return the response body.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"url":    map[string]any{"type": "string", "description": "Target URL"},
				"method": map[string]any{"type": "string", "description": "HTTP method, default GET"},
				"body":   map[string]any{"type": "string", "description": "Request body for POST/PUT"},
			},
			"required": []string{"url"},
		},
	}
}

func (t *httpRequestTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	rawURL, _ := args["url"].(string)
	if rawURL == "" {
		return "", fmt.Errorf("http_request requires a url argument")
	}
	if err := t.allow.Check(rawURL); err != nil {
		return "", err
	}

	method := http.MethodGet
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	reqBody, _ := args["body"].(string)

	body, err := doWithRetries(ctx, t.client, func() (*http.Request, error) {
		var rd *strings.Reader
		if reqBody != "" {
			rd = strings.NewReader(reqBody)
		} else {
			rd = strings.NewReader("")
		}
		req, err := http.NewRequest(method, rawURL, rd)
		if err != nil {
			return nil, err
		}
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("http_request %s %s: %w", method, rawURL, err)
	}
	return string(body), nil
}
