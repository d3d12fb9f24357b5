// Package gdelt fetches article lists from the GDELT DOC 2.0 API.
package gdelt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/newsharvest/gdelt-harvester/internal/harvest"
	"github.com/newsharvest/gdelt-harvester/internal/metrics"
	"github.com/newsharvest/gdelt-harvester/internal/ratelimit"
)

// DefaultBaseURL is the public GDELT DOC 2.0 endpoint.
const DefaultBaseURL = "https://api.gdeltproject.org/api/v2/doc/doc"

// DefaultTimeout bounds a single upstream request.
const DefaultTimeout = 30 * time.Second

// seendateLayout is the timestamp format GDELT returns in the seendate field.
const seendateLayout = "20060102150405"

// Options configures a Client. Zero values fall back to defaults.
type Options struct {
	// BaseURL overrides the upstream endpoint, e.g. for a test server.
	BaseURL string
	// Timeout bounds each request. Ignored when HTTPClient is set.
	Timeout time.Duration
	// HTTPClient overrides the underlying client entirely.
	HTTPClient *http.Client
	// Filters supplies the region to source-country table. Defaults to the
	// built-in table.
	Filters harvest.RegionFilters
	// Limiter throttles upstream calls when set. All clients sharing the
	// limiter share its budget.
	Limiter *ratelimit.Limiter
}

// Client implements harvest.Fetcher against the GDELT DOC 2.0 API.
//
// The client treats a degraded upstream as an empty result: a non-200
// response, a timeout, or an unparseable body yields zero articles and the
// constructed URL so the unit can still complete with a valid artifact. The
// error return is reserved for context cancellation.
type Client struct {
	baseURL string
	http    *http.Client
	filters harvest.RegionFilters
	limiter *ratelimit.Limiter
	logger  *zap.Logger
}

// New builds a Client from opts.
func New(opts Options, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	baseURL := opts.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	filters := opts.Filters
	if filters == nil {
		filters = harvest.DefaultRegionFilters()
	}
	return &Client{
		baseURL: baseURL,
		http:    httpClient,
		filters: filters,
		limiter: opts.Limiter,
		logger:  logger,
	}
}

// response mirrors the artlist JSON envelope.
type response struct {
	Articles []rawArticle `json:"articles"`
}

// rawArticle mirrors one upstream record before normalization.
type rawArticle struct {
	Title         string `json:"title"`
	URL           string `json:"url"`
	URLMobile     string `json:"url_mobile"`
	SeenDate      string `json:"seendate"`
	SocialImage   string `json:"socialimage"`
	Domain        string `json:"domain"`
	Language      string `json:"language"`
	SourceCountry string `json:"sourcecountry"`
}

// Fetch queries one (query, region, month) cell of the harvest grid.
func (c *Client) Fetch(ctx context.Context, unit harvest.WorkUnit) (harvest.FetchResult, error) {
	reqURL := c.buildURL(unit)
	result := harvest.FetchResult{URL: reqURL}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("throttle unit %s: %w", unit.Key(), err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return result, fmt.Errorf("build request for unit %s: %w", unit.Key(), err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.ObserveFetch(unit.Region, time.Since(start))
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("fetch unit %s: %w", unit.Key(), ctx.Err())
		}
		return c.degraded(result, unit, "request_error", err), nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return c.degraded(result, unit, fmt.Sprintf("status_%d", resp.StatusCode), nil), nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return result, fmt.Errorf("read response for unit %s: %w", unit.Key(), ctx.Err())
		}
		return c.degraded(result, unit, "read_error", err), nil
	}

	var parsed response
	if err := json.Unmarshal(body, &parsed); err != nil {
		return c.degraded(result, unit, "malformed_json", err), nil
	}
	if parsed.Articles == nil {
		return c.degraded(result, unit, "missing_articles", nil), nil
	}

	result.Articles = normalize(parsed.Articles, unit)
	return result, nil
}

func (c *Client) degraded(result harvest.FetchResult, unit harvest.WorkUnit, reason string, err error) harvest.FetchResult {
	metrics.ObserveFetchDegraded(reason)
	c.logger.Warn("upstream fetch degraded, recording empty result",
		zap.String("collection_id", unit.CollectionID),
		zap.String("unit", unit.Key()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	result.Articles = []harvest.Article{}
	return result
}

// buildURL constructs the artlist query URL for one unit. The end timestamp
// always uses day 31; the upstream clamps it to the month's real last day.
func (c *Client) buildURL(unit harvest.WorkUnit) string {
	query := unit.Query
	if clause := c.filters.Clause(unit.Region); clause != "" {
		query = fmt.Sprintf("%s AND (%s)", query, clause)
	}

	params := url.Values{}
	params.Set("query", query)
	params.Set("mode", "artlist")
	params.Set("maxrecords", fmt.Sprintf("%d", unit.MaxArticles))
	params.Set("format", "json")
	params.Set("startdatetime", fmt.Sprintf("%04d%02d01000000", unit.Year, unit.Month))
	params.Set("enddatetime", fmt.Sprintf("%04d%02d31235959", unit.Year, unit.Month))
	params.Set("sort", "datedesc")

	return c.baseURL + "?" + params.Encode()
}

// normalize maps upstream records into stored articles, stamping each with
// the unit's coordinates.
func normalize(raw []rawArticle, unit harvest.WorkUnit) []harvest.Article {
	articles := make([]harvest.Article, 0, len(raw))
	for _, r := range raw {
		articles = append(articles, harvest.Article{
			Title:         r.Title,
			URL:           r.URL,
			URLMobile:     r.URLMobile,
			Date:          normalizeSeenDate(r.SeenDate),
			Year:          unit.Year,
			Month:         unit.Month,
			SocialImage:   r.SocialImage,
			SourceCountry: r.SourceCountry,
			SourceDomain:  r.Domain,
			Language:      r.Language,
			Region:        unit.Region,
			Query:         unit.Query,
		})
	}
	return articles
}

// normalizeSeenDate parses GDELT's compact timestamp and reformats it as
// "2006-01-02 15:04:05". An unparseable value becomes nil rather than
// poisoning the record.
func normalizeSeenDate(seendate string) *string {
	t, err := time.Parse(seendateLayout, seendate)
	if err != nil {
		return nil
	}
	s := t.Format("2006-01-02 15:04:05")
	return &s
}
