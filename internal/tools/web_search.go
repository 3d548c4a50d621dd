package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golemlab/golem/internal/credentials"
	"github.com/golemlab/golem/pkg/contracts"
	"github.com/golemlab/golem/pkg/models"
)

const defaultSearchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// webSearchTool queries a web search API and returns formatted results.
type webSearchTool struct {
	name       string
	endpoint   string
	apiKey     string
	maxResults int
	allow      Allowlist
	client     *http.Client
}

// WebSearchFactory builds web_search tools. The API key is resolved at
// compile time; a missing key fails compilation, not execution.
func WebSearchFactory(creds contracts.CredentialSource) contracts.ToolFactory {
	return func(arm models.Arm, bp *models.Blueprint) (contracts.Tool, error) {
		key, ok := creds.Lookup(credentials.ProviderKey("web-search"))
		if !ok {
			return nil, &models.CompilationError{
				Reason: models.ReasonMissingCredentials,
				Detail: "arm " + arm.Name + " requires web-search.api-key",
			}
		}

		endpoint := defaultSearchEndpoint
		if v, ok := arm.Config["endpoint"].(string); ok && v != "" {
			endpoint = v
		}
		maxResults := 5
		if v, ok := arm.Config["max_results"].(float64); ok && v > 0 {
			maxResults = int(v)
		}

		return &webSearchTool{
			name:       arm.Name,
			endpoint:   endpoint,
			apiKey:     key,
			maxResults: maxResults,
			allow:      Allowlist(bp.Spine.AllowedDomains),
			client:     &http.Client{Timeout: 15 * time.Second},
		}, nil
	}
}

func (t *webSearchTool) Name() string { return t.name }

func (t *webSearchTool) Spec() contracts.ToolSpec {
	return contracts.ToolSpec{
		Name:        t.name,
		Description: "Search the web and return the top results with titles, URLs and snippets.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query": map[string]any{"type": "string", "description": "The search query"},
			},
			"required": []string{"query"},
		},
	}
}

func (t *webSearchTool) Invoke(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return "", fmt.Errorf("web_search requires a non-empty query")
	}
	if err := t.allow.Check(t.endpoint); err != nil {
		return "", err
	}

	body, err := doWithRetries(ctx, t.client, func() (*http.Request, error) {
		u, err := url.Parse(t.endpoint)
		if err != nil {
			return nil, err
		}
		q := u.Query()
		q.Set("q", query)
		q.Set("count", fmt.Sprintf("%d", t.maxResults))
		u.RawQuery = q.Encode()

		req, err := http.NewRequest(http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("X-Subscription-Token", t.apiKey)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("web_search %q: %w", query, err)
	}

	return formatSearchResults(body, t.maxResults), nil
}

// formatSearchResults extracts title/url/description triples from the API
// response. Unrecognized shapes pass through as raw JSON.
func formatSearchResults(body []byte, limit int) string {
	var parsed struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil || len(parsed.Web.Results) == 0 {
		return string(body)
	}

	var sb strings.Builder
	for i, r := range parsed.Web.Results {
		if i >= limit {
			break
		}
		fmt.Fprintf(&sb, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Description)
	}
	return sb.String()
}
