package api

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/JakeFAU/music-graph-crawler/internal/crawler"
)

// crawlRequest is the POST /v1/crawls body. Budget accepts human sizes such
// as "50MiB" and takes precedence over BudgetBytes. Both empty means the
// configured default budget.
type crawlRequest struct {
	SeedName        string `json:"seed_name"`
	SeedCanonicalID string `json:"seed_canonical_id"`
	Budget          string `json:"budget"`
	BudgetBytes     int64  `json:"budget_bytes"`
}

func (c crawlRequest) toCrawlRequest() (crawler.CrawlRequest, error) {
	req := crawler.CrawlRequest{
		SeedName:        strings.TrimSpace(c.SeedName),
		SeedCanonicalID: strings.TrimSpace(c.SeedCanonicalID),
		BudgetBytes:     c.BudgetBytes,
	}
	if req.SeedName == "" && req.SeedCanonicalID == "" {
		return crawler.CrawlRequest{}, errors.New("seed_name or seed_canonical_id required")
	}
	if c.Budget != "" {
		n, err := humanize.ParseBytes(c.Budget)
		if err != nil {
			return crawler.CrawlRequest{}, fmt.Errorf("invalid budget %q", c.Budget)
		}
		if n == 0 || n > 1<<62 {
			return crawler.CrawlRequest{}, fmt.Errorf("budget %q out of range", c.Budget)
		}
		req.BudgetBytes = int64(n)
	}
	if req.BudgetBytes < 0 {
		return crawler.CrawlRequest{}, errors.New("budget_bytes must be positive")
	}
	return req, nil
}
