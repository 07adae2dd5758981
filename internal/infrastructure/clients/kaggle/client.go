package kaggle

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
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

// PageSize is the number of datasets the list endpoint returns per page
const PageSize = 20

// Client is the Kaggle catalog collaborator
type Client interface {
	// FetchInitialSeed streams Meta Kaggle rows in batches of at most batchSize
	FetchInitialSeed(ctx context.Context, batchSize int, forceRedownload bool) iter.Seq2[[]MetaDataset, error]

	// FetchLatest streams API datasets ordered by sortBy until limit is reached
	FetchLatest(ctx context.Context, limit int, sortBy string) iter.Seq2[[]Dataset, error]

	// EnrichByRef returns full metadata for one dataset, or nil when Kaggle
	// has no dataset for ref
	EnrichByRef(ctx context.Context, ref string) (*Dataset, error)
}

// HTTPClient talks to the Kaggle REST API
type HTTPClient struct {
	http       *resty.Client
	limiter    *rate.Limiter
	retry      retry.Config
	seedURL    string
	cacheDir   string
	seedMaxAge time.Duration
	now        func() time.Time
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a Kaggle client from configuration
func NewHTTPClient(cfg *config.KaggleConfig) *HTTPClient {
	r := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Username != "" && cfg.Key != "" {
		r.SetBasicAuth(cfg.Username, cfg.Key)
	} else {
		log.Warn().Msg("No Kaggle credentials configured, API calls may be rejected")
	}

	var limiter *rate.Limiter
	if cfg.RequestsRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsRPS), 1)
	}

	return &HTTPClient{
		http:       r,
		limiter:    limiter,
		retry:      retry.HTTPConfig(isRetryable),
		seedURL:    cfg.SeedURL,
		cacheDir:   cfg.CacheDir,
		seedMaxAge: cfg.SeedMaxAge,
		now:        time.Now,
	}
}

// FetchLatest pages the dataset list. Iteration stops at a short page, at
// limit, or when the consumer stops pulling.
func (c *HTTPClient) FetchLatest(ctx context.Context, limit int, sortBy string) iter.Seq2[[]Dataset, error] {
	return func(yield func([]Dataset, error) bool) {
		fetched := 0
		for page := 1; fetched < limit; page++ {
			log.Info().Int("page", page).Str("sort_by", sortBy).Msg("Fetching Kaggle dataset page")

			var datasets []Dataset
			_, err := c.get(ctx, "/datasets/list", map[string]string{
				"page":   strconv.Itoa(page),
				"sortBy": sortBy,
			}, &datasets)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(datasets) == 0 {
				return
			}

			batch := datasets
			if remaining := limit - fetched; len(batch) > remaining {
				batch = batch[:remaining]
			}
			fetched += len(batch)
			if !yield(batch, nil) {
				return
			}

			if len(datasets) < PageSize {
				return
			}
		}
	}
}

// EnrichByRef resolves "owner/slug" refs through the view endpoint and any
// other reference through an exact-match search.
func (c *HTTPClient) EnrichByRef(ctx context.Context, ref string) (*Dataset, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, nil
	}

	if owner, slug, ok := strings.Cut(ref, "/"); ok && owner != "" && slug != "" {
		var dataset Dataset
		found, err := c.get(ctx, "/datasets/view/"+owner+"/"+slug, nil, &dataset)
		if err != nil || !found {
			return nil, err
		}
		return &dataset, nil
	}

	var candidates []Dataset
	found, err := c.get(ctx, "/datasets/list", map[string]string{
		"search": ref,
		"page":   "1",
	}, &candidates)
	if err != nil || !found {
		return nil, err
	}
	for i := range candidates {
		if candidates[i].Ref == ref || strconv.FormatInt(candidates[i].ID, 10) == ref {
			return &candidates[i], nil
		}
	}
	return nil, nil
}

// get issues a throttled, retried GET and decodes into out. A 404 reports
// found=false with no error.
func (c *HTTPClient) get(ctx context.Context, path string, query map[string]string, out any) (bool, error) {
	found := true
	err := retry.DoWithLog(ctx, c.retry, "Kaggle", func() error {
		if c.limiter != nil {
			if err := c.limiter.Wait(ctx); err != nil {
				return retry.Permanent(err)
			}
		}

		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(query).
			SetResult(out).
			Get(path)
		if err != nil {
			return apperrors.NewExternalError("kaggle request failed", err)
		}
		return classifyStatus(resp, &found)
	}, func(attempt int, err error, nextDelay time.Duration) {
		log.Warn().Err(err).Str("path", path).Int("attempt", attempt).Dur("retry_in", nextDelay).Msg("Kaggle request failed")
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func classifyStatus(resp *resty.Response, found *bool) error {
	status := resp.StatusCode()
	switch {
	case status == http.StatusNotFound:
		*found = false
		return nil
	case status == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(fmt.Sprintf("kaggle responded %d", status), nil)
	case status >= 500:
		return apperrors.NewExternalError(fmt.Sprintf("kaggle responded %d", status), nil)
	case status >= 400:
		return retry.Permanent(apperrors.NewExternalError(fmt.Sprintf("kaggle responded %d: %s", status, truncate(resp.String(), 200)), nil))
	}
	return nil
}

func isRetryable(err error) bool {
	if apperrors.HasType(err, apperrors.ErrorTypeRateLimited) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
