package enrichclient

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"threadline/pkg/domain"
)

const attachmentsQuery = `query Attachments($ids: [ID!]!) {
  attachments(ids: $ids) {
    id
    label
    contentUrl
  }
}`

// Config configures the content-enrichment client.
type Config struct {
	URL         string
	Cache       redis.Cmdable
	CacheTTL    time.Duration
	CachePrefix string
	HTTPClient  *http.Client
}

// Client hydrates attached-content references through a GraphQL endpoint.
type Client struct {
	url         string
	cache       redis.Cmdable
	cacheTTL    time.Duration
	cachePrefix string
	httpClient  *http.Client
}

// NewClient returns nil when no URL is configured; a nil client hydrates nothing.
func NewClient(cfg Config) *Client {
	url := strings.TrimSpace(cfg.URL)
	if url == "" {
		return nil
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Second}
	}
	prefix := strings.TrimSpace(cfg.CachePrefix)
	if prefix == "" {
		prefix = "threadline:enrich"
	}
	cache := cfg.Cache
	if cfg.CacheTTL <= 0 {
		cache = nil
	}
	return &Client{
		url:         url,
		cache:       cache,
		cacheTTL:    cfg.CacheTTL,
		cachePrefix: prefix,
		httpClient:  httpClient,
	}
}

// Hydrate resolves refs to content items in ref order. Unknown refs are skipped.
// Cached items are only served back to the credential that fetched them.
func (c *Client) Hydrate(ctx context.Context, token string, refs []string) ([]domain.ContentItem, error) {
	refs = compact(refs)
	if c == nil || len(refs) == 0 {
		return nil, nil
	}
	scope := credentialScope(token)
	found := c.cached(ctx, scope, refs)
	var missing []string
	for _, id := range refs {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		fetched, err := c.fetch(ctx, token, missing)
		if err != nil {
			return nil, err
		}
		for _, item := range fetched {
			found[item.ID] = item
		}
		c.store(ctx, scope, fetched)
	}
	out := make([]domain.ContentItem, 0, len(refs))
	for _, id := range refs {
		if item, ok := found[id]; ok {
			out = append(out, item)
		}
	}
	return out, nil
}

type gqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type gqlResponse struct {
	Data struct {
		Attachments []domain.ContentItem `json:"attachments"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *Client) fetch(ctx context.Context, token string, ids []string) ([]domain.ContentItem, error) {
	body, err := json.Marshal(gqlRequest{Query: attachmentsQuery, Variables: map[string]any{"ids": ids}})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("enrichment request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("enrichment service returned %s", resp.Status)
	}
	var out gqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode enrichment response: %w", err)
	}
	if len(out.Errors) > 0 {
		return nil, errors.New("enrichment: " + out.Errors[0].Message)
	}
	return out.Data.Attachments, nil
}

// credentialScope is a fixed-width digest of the bearer token used to partition the cache.
func credentialScope(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func (c *Client) cacheKey(scope, id string) string {
	return c.cachePrefix + ":" + scope + ":" + id
}

func (c *Client) cached(ctx context.Context, scope string, ids []string) map[string]domain.ContentItem {
	found := make(map[string]domain.ContentItem, len(ids))
	if c.cache == nil {
		return found
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = c.cacheKey(scope, id)
	}
	vals, err := c.cache.MGet(ctx, keys...).Result()
	if err != nil {
		slog.Warn("enrichment cache read failed", "err", err)
		return found
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var item domain.ContentItem
		if err := json.Unmarshal([]byte(s), &item); err == nil {
			found[ids[i]] = item
		}
	}
	return found
}

func (c *Client) store(ctx context.Context, scope string, items []domain.ContentItem) {
	if c.cache == nil || len(items) == 0 {
		return
	}
	_, err := c.cache.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, item := range items {
			data, err := json.Marshal(item)
			if err != nil {
				continue
			}
			p.Set(ctx, c.cacheKey(scope, item.ID), data, c.cacheTTL)
		}
		return nil
	})
	if err != nil {
		slog.Warn("enrichment cache write failed", "err", err)
	}
}

func compact(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
