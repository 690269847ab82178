package builtin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/parleybot/parley/internal/tools"
	"github.com/parleybot/parley/pkg/models"
)

var wikipediaEndpoint = "https://en.wikipedia.org/api/rest_v1/page/summary/"

// Wikipedia fetches the summary of an article by title.
func Wikipedia(client *http.Client) (*models.Tool, tools.Handler) {
	def, err := models.NewTool("wikipedia", "Looks up the summary of a Wikipedia article.",
		models.ToolParameter{Type: models.TypeString, Name: "title", Description: "The article title."},
	)
	if err != nil {
		panic(err)
	}

	handler := func(ctx context.Context, args map[string]any) (string, error) {
		title, _ := args["title"].(string)
		title = strings.TrimSpace(title)
		if title == "" {
			return "", fmt.Errorf("title must not be empty")
		}

		endpoint := wikipediaEndpoint + url.PathEscape(strings.ReplaceAll(title, " ", "_"))
		body, err := fetch(ctx, client, endpoint)
		if err != nil {
			return "", err
		}

		var resp struct {
			Title       string `json:"title"`
			Description string `json:"description"`
			Extract     string `json:"extract"`
			ContentURLs struct {
				Desktop struct {
					Page string `json:"page"`
				} `json:"desktop"`
			} `json:"content_urls"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("failed to parse response: %w", err)
		}
		if resp.Extract == "" {
			return "No article found for " + title, nil
		}

		out := resp.Title
		if resp.Description != "" {
			out += " (" + resp.Description + ")"
		}
		out += ": " + resp.Extract
		if page := resp.ContentURLs.Desktop.Page; page != "" {
			out += "\n" + page
		}
		return out, nil
	}

	return def, handler
}
