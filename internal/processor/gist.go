package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"

	"github.com/woozymasta/layer2geojson/internal/geo"

	"github.com/rs/zerolog/log"
)

// maxErrorBody caps how much of a failed response is kept in HTTPError.
const maxErrorBody = 4 << 10

// HTTPError is returned for any non 2xx gist API response.
type HTTPError struct {
	Body       string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("gist api: status %d: %s", e.StatusCode, e.Body)
}

// GistClient creates gists through the GitHub API.
type GistClient struct {
	HTTPClient *http.Client
	Endpoint   string
	Token      string // optional, sent as a bearer token
	Public     bool
}

// Internal structures for the gist API payloads
type gistFile struct {
	Content string `json:"content"`
}

type gistRequest struct {
	Files       map[string]gistFile `json:"files"`
	Description string              `json:"description"`
	Public      bool                `json:"public"`
}

type gistResponse struct {
	URL string `json:"url"`
}

// Post uploads content as "<base name>.json" and returns the API url of the new gist.
func (c *GistClient) Post(ctx context.Context, name, content string) (string, error) {
	payload, err := json.Marshal(gistRequest{
		Description: "Feature Layer " + name,
		Public:      c.Public,
		Files: map[string]gistFile{
			filepath.Base(name) + ".json": {Content: content},
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	// Explicitly ignore close error as the body is fully consumed
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", &HTTPError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	var out gistResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode gist response: %w", err)
	}
	if out.URL == "" {
		return "", errors.New("gist response has no url")
	}

	return out.URL, nil
}

// PublishGist renders the whole layer and posts it as a gist.
func PublishGist(ctx context.Context, src geo.Source, client *GistClient, opts geo.Options) (string, error) {
	log.Info().Str("layer", src.Name()).Msg("Getting GeoJSON from features")
	content, err := String(ctx, src, opts)
	if err != nil {
		return "", err
	}

	log.Info().
		Str("layer", src.Name()).
		Int("bytes", len(content)).
		Msg("Posting gist")

	url, err := client.Post(ctx, src.Name(), content)
	if err != nil {
		return "", err
	}

	log.Info().Str("layer", src.Name()).Str("url", url).Msg("Posted gist")
	return url, nil
}
