package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

// mcpTool proxies invocations to a remote MCP server via JSON-RPC 2.0
// tools/call over HTTP.
type mcpTool struct {
	name       string
	remoteName string
	endpoint   string
	authToken  string
	desc       string
	params     map[string]any
	allow      Allowlist
	client     *http.Client
}

// MCPFactory builds mcp tools. Config keys:
//
//	endpoint       (required) MCP server URL
//	tool           remote tool name, defaults to the arm name
//	credential_key when set, resolved at compile time and sent as a Bearer token
//	description    forwarded to the model
//	parameters     JSON schema forwarded to the model
func MCPFactory(creds contracts.CredentialSource) contracts.ToolFactory {
	return func(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
		endpoint, _ := arm.Config["endpoint"].(string)
		if endpoint == "" {
			return nil, &models.CompilationError{
				Reason: models.ReasonUnknownToolReference,
				Detail: "arm " + arm.Name + " has no mcp endpoint",
			}
		}

		var token string
		if key, ok := arm.Config["credential_key"].(string); ok && key != "" {
			v, ok := creds.Lookup(key)
			if !ok {
				return nil, &models.CompilationError{
					Reason: models.ReasonMissingCredentials,
					Detail: "arm " + arm.Name + " requires credential " + key,
				}
			}
			token = v
		}

		remoteName := arm.Name
		if v, ok := arm.Config["tool"].(string); ok && v != "" {
			remoteName = v
		}
		desc, _ := arm.Config["description"].(string)
		params, _ := arm.Config["parameters"].(map[string]any)

		return &mcpTool{
			name:       arm.Name,
			remoteName: remoteName,
			endpoint:   endpoint,
			authToken:  token,
			desc:       desc,
			params:     params,
			allow:      Allowlist(bp.Spine.AllowedDomains),
			client:     &http.Client{Timeout: 30 * time.Second},
		}, nil
	}
}

func (t *mcpTool) Name() string { return t.name }

func (t *mcpTool) Spec() contracts.ToolSpec {
	desc := t.desc
	if desc == "" {
		desc = "Invoke the remote tool " + t.remoteName + "."
	}
	return contracts.ToolSpec{Name: t.name, Description: desc, Parameters: t.params}
}

// jsonrpcRequest is the MCP tools/call envelope.
type jsonrpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
	ID      string `json:"id"`
}

type jsonrpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (t *mcpTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	if err := t.allow.Check(t.endpoint); err != nil {
		return "", err
	}

	payload, err := json.Marshal(jsonrpcRequest{
		Jsonrpc: "2.0",
		Method:  "tools/call",
		Params: map[string]any{
			"name":      t.remoteName,
			"arguments": args,
		},
		ID: uuid.New().String(),
	})
	if err != nil {
		return "", err
	}

	body, err := doWithRetries(ctx, t.client, func() (*http.Request, error) {
		req, err := http.NewRequest(http.MethodPost, t.endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if t.authToken != "" {
			req.Header.Set("Authorization", "Bearer "+t.authToken)
		}
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("mcp call %s: %w", t.remoteName, err)
	}

	var resp jsonrpcResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("mcp call %s: bad response: %w", t.remoteName, err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("mcp call %s: %s (code %d)", t.remoteName, resp.Error.Message, resp.Error.Code)
	}

	// MCP results carry a content array of typed blocks; concatenate text.
	var result struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		IsError bool `json:"isError"`
	}
	if err := json.Unmarshal(resp.Result, &result); err == nil && len(result.Content) > 0 {
		var text string
		for _, c := range result.Content {
			if c.Type == "text" {
				text += c.Text
			}
		}
		if result.IsError {
			return "", fmt.Errorf("mcp call %s: %s", t.remoteName, text)
		}
		return text, nil
	}
	return string(resp.Result), nil
}
