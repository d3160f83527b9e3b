// Package fetch is the rate-limited gateway to the place provider. Every call takes a
// token from the shared budget, runs under a per-call timeout, and is retried on
// transient and quota failures.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/directory-cli/internal/model"
	"github.com/sells-group/directory-cli/internal/ratebudget"
	"github.com/sells-group/directory-cli/internal/resilience"
	"github.com/sells-group/directory-cli/pkg/google"
)

const (
	defaultTimeout   = 15 * time.Second
	defaultPageSize  = 20
	maxNearbyResults = 10
	regionCode       = "GB"
)

// Options configures a Client.
type Options struct {
	// Timeout bounds each provider call.
	Timeout time.Duration
	// Policy is the retry policy. ShouldRetry is replaced by the client's own predicate.
	Policy resilience.Policy
	// Pages configures website text fetching.
	Pages PageOptions
}

// Client wraps a place provider behind the rate budget and retry policy.
type Client struct {
	places  google.Client
	budget  *ratebudget.Budget
	policy  resilience.Policy
	timeout time.Duration
	pages   *PageFetcher
	calls   atomic.Int64
	log     *zap.Logger
}

// New creates a Client. The budget is shared with every other component that calls the
// provider in this process.
func New(places google.Client, budget *ratebudget.Budget, opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Pages.Policy.MaxAttempts == 0 {
		opts.Pages.Policy = opts.Policy
	}
	c := &Client{
		places:  places,
		budget:  budget,
		policy:  opts.Policy,
		timeout: opts.Timeout,
		pages:   NewPageFetcher(opts.Pages),
		log:     zap.L().With(zap.String("component", "fetch")),
	}
	c.policy.ShouldRetry = shouldRetry
	return c
}

// Calls returns the number of provider calls issued, retries included.
func (c *Client) Calls() int64 { return c.calls.Load() }

// Budget exposes the shared rate budget.
func (c *Client) Budget() *ratebudget.Budget { return c.budget }

func shouldRetry(err error) bool {
	if errors.Is(err, google.ErrMalformedResponse) {
		return false
	}
	if google.IsQuotaExceeded(err) {
		return true
	}
	var apiErr *google.APIError
	if errors.As(err, &apiErr) {
		return resilience.IsTransientHTTPStatus(apiErr.StatusCode)
	}
	return resilience.IsTransient(err)
}

// call runs fn under the budget, a per-call timeout, and the retry policy. Each attempt
// consumes its own token. Quota replies shrink the budget and are retried until ctx
// ends; they do not count toward MaxAttempts.
func call[T any](ctx context.Context, c *Client, op string, fn func(context.Context) (T, error)) (T, error) {
	p := c.policy
	p.OnRetry = resilience.RetryLogger("places", op)
	return resilience.DoVal(ctx, p, func(ctx context.Context) (T, error) {
		for quota := 0; ; quota++ {
			v, err := attemptOnce(ctx, c, fn)
			if err == nil || !google.IsQuotaExceeded(err) {
				return v, err
			}
			c.budget.Shrink()
			c.log.Debug("quota reply, retrying under shrunk budget",
				zap.String("operation", op),
				zap.Int("quota_replies", quota+1),
			)

			t := time.NewTimer(p.Backoff(min(quota, 8)))
			select {
			case <-ctx.Done():
				t.Stop()
				return v, err
			case <-t.C:
			}
		}
	})
}

func attemptOnce[T any](ctx context.Context, c *Client, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := c.budget.Acquire(ctx); err != nil {
		return zero, err
	}
	c.calls.Add(1)

	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return fn(cctx)
}

// Search runs a text search and returns the candidates on the first result page.
// A malformed response yields no candidates and a warning.
func (c *Client) Search(ctx context.Context, query string) ([]model.Candidate, error) {
	resp, err := call(ctx, c, "text_search", func(ctx context.Context) (*google.SearchResponse, error) {
		return c.places.TextSearch(ctx, google.TextSearchRequest{
			TextQuery:  query,
			PageSize:   defaultPageSize,
			RegionCode: regionCode,
		})
	})
	if err != nil {
		if errors.Is(err, google.ErrMalformedResponse) {
			c.log.Warn("malformed search response", zap.String("query", query), zap.Error(err))
			return nil, nil
		}
		return nil, eris.Wrapf(err, "fetch: search %q", query)
	}
	return toCandidates(resp), nil
}

// Details fetches the detail record for a place. A place the provider no longer knows
// returns nil without error, as does a malformed response.
func (c *Client) Details(ctx context.Context, placeID string) (*model.Candidate, error) {
	p, err := call(ctx, c, "place_details", func(ctx context.Context) (*google.Place, error) {
		return c.places.GetPlace(ctx, placeID, google.DetailFields)
	})
	if err != nil {
		var apiErr *google.APIError
		switch {
		case errors.Is(err, google.ErrMalformedResponse):
			c.log.Warn("malformed details response", zap.String("place_id", placeID), zap.Error(err))
			return nil, nil
		case errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound:
			return nil, nil
		}
		return nil, eris.Wrapf(err, "fetch: details %s", placeID)
	}
	if p == nil {
		return nil, nil
	}
	cand := ToCandidate(*p)
	return &cand, nil
}

// Nearby searches amenity types around a point, nearest first.
func (c *Client) Nearby(ctx context.Context, center model.GeoPoint, radiusM float64, types []string) ([]model.Candidate, error) {
	resp, err := call(ctx, c, "search_nearby", func(ctx context.Context) (*google.SearchResponse, error) {
		return c.places.SearchNearby(ctx, google.NearbyRequest{
			Lat:            center.Lat,
			Lon:            center.Lon,
			RadiusM:        radiusM,
			IncludedTypes:  types,
			MaxResultCount: maxNearbyResults,
		})
	})
	if err != nil {
		if errors.Is(err, google.ErrMalformedResponse) {
			c.log.Warn("malformed nearby response", zap.Strings("types", types), zap.Error(err))
			return nil, nil
		}
		return nil, eris.Wrapf(err, "fetch: nearby %s", strings.Join(types, ","))
	}
	return toCandidates(resp), nil
}

// PageText fetches a website and returns its main body text. Website fetches do not
// spend provider budget; they are throttled per host instead.
func (c *Client) PageText(ctx context.Context, rawURL string) (string, error) {
	return c.pages.Text(ctx, rawURL)
}

func toCandidates(resp *google.SearchResponse) []model.Candidate {
	if resp == nil {
		return nil
	}
	out := make([]model.Candidate, 0, len(resp.Places))
	for _, p := range resp.Places {
		if p.ID == "" && p.DisplayName.Text == "" {
			continue
		}
		out = append(out, ToCandidate(p))
	}
	return out
}

// ToCandidate converts a provider place into a candidate record.
func ToCandidate(p google.Place) model.Candidate {
	c := model.Candidate{
		PlaceID:          p.ID,
		Name:             strings.TrimSpace(p.DisplayName.Text),
		FormattedAddress: strings.TrimSpace(p.FormattedAddress),
		Types:            p.Types,
		PriceTier:        p.PriceLevel,
		Website:          p.WebsiteURI,
		Phone:            p.NationalPhoneNumber,
	}
	if p.Location != nil {
		c.Geo = &model.GeoPoint{Lat: p.Location.Latitude, Lon: p.Location.Longitude}
	}
	if p.UserRatingCount > 0 {
		r := p.Rating
		c.Rating = &r
	}
	if p.RegularOpeningHours != nil {
		c.WeeklyHours = p.RegularOpeningHours.WeekdayDescriptions
	}
	if p.EditorialSummary != nil {
		c.Editorial = p.EditorialSummary.Text
	}
	for _, r := range p.Reviews {
		if r.Text != nil && strings.TrimSpace(r.Text.Text) != "" {
			c.Reviews = append(c.Reviews, r.Text.Text)
		}
	}
	return c
}
