package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/parleybot/parley/internal/tools"
	"github.com/parleybot/parley/pkg/models"
)

const (
	userAgent     = "Mozilla/5.0 (compatible; ParleyBot/1.0)"
	maxSearchHits = 5
)

// searchEndpoint is a variable so tests can point it at a local server.
var searchEndpoint = "https://api.duckduckgo.com/"

// InternetSearch queries the DuckDuckGo Instant Answer API and returns
// the abstract plus related topics as plain text.
func InternetSearch(client *http.Client) (*models.Tool, tools.Handler) {
	def, err := models.NewTool("internet_search", "Searches the internet and returns a short summary with related links.",
		models.ToolParameter{Type: models.TypeString, Name: "query", Description: "The search terms."},
	)
	if err != nil {
		panic(err) // static definition, cannot fail
	}

	handler := func(ctx context.Context, args map[string]any) (string, error) {
		query, _ := args["query"].(string)
		if strings.TrimSpace(query) == "" {
			return "", fmt.Errorf("query must not be empty")
		}

		endpoint := fmt.Sprintf("%s?q=%s&format=json&no_html=1", searchEndpoint, url.QueryEscape(query))
		body, err := fetch(ctx, client, endpoint)
		if err != nil {
			return "", err
		}

		var resp struct {
			Heading       string `json:"Heading"`
			AbstractText  string `json:"AbstractText"`
			AbstractURL   string `json:"AbstractURL"`
			RelatedTopics []struct {
				FirstURL string `json:"FirstURL"`
				Text     string `json:"Text"`
			} `json:"RelatedTopics"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}

		var b strings.Builder
		if resp.AbstractText != "" {
			if resp.Heading != "" {
				fmt.Fprintf(&b, "%s: ", resp.Heading)
			}
			b.WriteString(resp.AbstractText)
			if resp.AbstractURL != "" {
				fmt.Fprintf(&b, " (%s)", resp.AbstractURL)
			}
			b.WriteString("\n")
		}
		hits := 0
		for _, topic := range resp.RelatedTopics {
			if topic.Text == "" || topic.FirstURL == "" {
				continue
			}
			fmt.Fprintf(&b, "- %s (%s)\n", topic.Text, topic.FirstURL)
			hits++
			if hits >= maxSearchHits {
				break
			}
		}
		if b.Len() == 0 {
			return "No results found for " + query, nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}

	return def, handler
}

func fetch(ctx context.Context, client *http.Client, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
