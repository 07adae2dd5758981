package huggingface

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"github.com/zatekoja/datasearch/pkg/config"
	apperrors "github.com/zatekoja/datasearch/pkg/errors"
	"github.com/zatekoja/datasearch/pkg/retry"
	"golang.org/x/time/rate"
)

// DefaultPageSize is the page size requested from the Hub listing
const DefaultPageSize = 1000

// Dataset is the dataset shape returned by the HuggingFace Hub API
type Dataset struct {
	ID           string         `json:"id"`
	Author       string         `json:"author"`
	SHA          string         `json:"sha"`
	LastModified string         `json:"lastModified"`
	CreatedAt    string         `json:"createdAt"`
	Private      bool           `json:"private"`
	Disabled     bool           `json:"disabled"`
	Downloads    int64          `json:"downloads"`
	Likes        int64          `json:"likes"`
	Tags         []string       `json:"tags"`
	Description  string         `json:"description"`
	CardData     map[string]any `json:"cardData"`
}

// LastModifiedTime parses LastModified, nil when absent or malformed
func (d *Dataset) LastModifiedTime() *time.Time {
	return parseTime(d.LastModified)
}

// CreatedAtTime parses CreatedAt, nil when absent or malformed
func (d *Dataset) CreatedAtTime() *time.Time {
	return parseTime(d.CreatedAt)
}

func parseTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil
	}
	t = t.UTC()
	return &t
}

// Client is the HuggingFace catalog collaborator
type Client interface {
	// FetchLatest streams datasets newest-modified first, stopping at limit
	// or at the first dataset older than minLastModified
	FetchLatest(ctx context.Context, limit, pageSize int, minLastModified *time.Time) iter.Seq2[[]Dataset, error]

	// EnrichByRef returns one dataset by id, or nil when it does not exist
	EnrichByRef(ctx context.Context, id string) (*Dataset, error)
}

// HTTPClient talks to the HuggingFace Hub API
type HTTPClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	retry   retry.Config
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a Hub client from configuration
func NewHTTPClient(cfg *config.HuggingFaceConfig) *HTTPClient {
	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		r.SetAuthToken(cfg.Token)
	}

	var limiter *rate.Limiter
	if cfg.RequestsRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsRPS), 1)
	}

	return &HTTPClient{
		http:    r,
		limiter: limiter,
		retry:   retry.HTTPConfig(isRetryable),
	}
}

// FetchLatest follows the Link rel="next" cursor of the listing endpoint
func (c *HTTPClient) FetchLatest(ctx context.Context, limit, pageSize int, minLastModified *time.Time) iter.Seq2[[]Dataset, error] {
	return func(yield func([]Dataset, error) bool) {
		if pageSize <= 0 {
			pageSize = DefaultPageSize
		}

		next := "/api/datasets?" + url.Values{
			"sort":      {"lastModified"},
			"direction": {"-1"},
			"full":      {"true"},
			"limit":     {strconv.Itoa(min(pageSize, max(limit, 1)))},
		}.Encode()

		fetched := 0
		for next != "" && fetched < limit {
			var page []Dataset
			resp, _, err := c.get(ctx, next, &page)
			if err != nil {
				yield(nil, err)
				return
			}

			batch, reachedCutoff := cutPage(page, limit-fetched, minLastModified)
			if len(batch) > 0 {
				fetched += len(batch)
				if !yield(batch, nil) {
					return
				}
			}
			if reachedCutoff || len(page) == 0 {
				return
			}
			next = nextLink(resp.Header().Get("Link"))
		}
	}
}

// cutPage trims a page to the remaining budget and drops everything from the
// first dataset modified before the cutoff.
func cutPage(page []Dataset, remaining int, cutoff *time.Time) ([]Dataset, bool) {
	reachedCutoff := false
	end := len(page)
	if cutoff != nil {
		for i := range page {
			if modified := page[i].LastModifiedTime(); modified != nil && modified.Before(*cutoff) {
				end = i
				reachedCutoff = true
				break
			}
		}
	}
	if end > remaining {
		end = remaining
	}
	return page[:end], reachedCutoff
}

var linkNext = regexp.MustCompile(`<([^>]+)>\s*;\s*rel="?next"?`)

func nextLink(header string) string {
	m := linkNext.FindStringSubmatch(header)
	if m == nil {
		return ""
	}
	return m[1]
}

// EnrichByRef fetches one dataset with full metadata
func (c *HTTPClient) EnrichByRef(ctx context.Context, id string) (*Dataset, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, nil
	}

	var dataset Dataset
	_, found, err := c.get(ctx, "/api/datasets/"+id, &dataset)
	if err != nil || !found {
		return nil, err
	}
	return &dataset, nil
}

func (c *HTTPClient) get(ctx context.Context, path string, out any) (*resty.Response, bool, error) {
	var (
		resp  *resty.Response
		found = true
	)
	err := retry.DoWithLog(ctx, c.retry, "HuggingFace", func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}

		var err error
		resp, err = c.http.R().
			SetContext(ctx).
			SetResult(out).
			Get(path)
		if err != nil {
			return apperrors.NewExternalError("huggingface request failed", err)
		}

		status := resp.StatusCode()
		switch {
		case status == http.StatusNotFound:
			found = false
		case status == http.StatusTooManyRequests:
			return apperrors.NewRateLimitedError(fmt.Sprintf("huggingface responded %d", status), nil)
		case status >= 500:
			return apperrors.NewExternalError(fmt.Sprintf("huggingface responded %d", status), nil)
		case status >= 400:
			return retry.Permanent(apperrors.NewExternalError(fmt.Sprintf("huggingface responded %d", status), nil))
		}
		return nil
	}, func(attempt int, err error, nextDelay time.Duration) {
		log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("HuggingFace request failed")
	})
	if err != nil {
		return nil, false, err
	}
	return resp, found, nil
}

func isRetryable(err error) bool {
	if apperrors.HasType(err, apperrors.ErrorTypeRateLimited) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
