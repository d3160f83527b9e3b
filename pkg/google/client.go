package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://places.googleapis.com/v1"

// ErrMalformedResponse is returned when a 200 response body cannot be decoded.
var ErrMalformedResponse = errors.New("google: malformed response")

// Client performs Google Places API (New) operations.
type Client interface {
	TextSearch(ctx context.Context, req TextSearchRequest) (*SearchResponse, error)
	GetPlace(ctx context.Context, placeID string, fields []string) (*Place, error)
	SearchNearby(ctx context.Context, req NearbyRequest) (*SearchResponse, error)
}

// TextSearchRequest is a Places Text Search request.
type TextSearchRequest struct {
	TextQuery string `json:"textQuery"`
	PageSize  int    `json:"pageSize,omitempty"`
	PageToken string `json:"pageToken,omitempty"`
	// RegionCode biases results toward a country (CLDR code, e.g. "gb").
	RegionCode string `json:"regionCode,omitempty"`
}

// NearbyRequest is a Places Nearby Search request.
type NearbyRequest struct {
	Lat            float64
	Lon            float64
	RadiusM        float64
	IncludedTypes  []string
	MaxResultCount int
}

// SearchResponse is the response from Text Search and Nearby Search.
type SearchResponse struct {
	Places        []Place `json:"places"`
	NextPageToken string  `json:"nextPageToken,omitempty"`
}

// Place represents a place returned by the API. Only requested fields are populated.
type Place struct {
	ID                  string         `json:"id"`
	DisplayName         LocalizedText  `json:"displayName"`
	FormattedAddress    string         `json:"formattedAddress"`
	Location            *LatLng        `json:"location,omitempty"`
	Rating              float64        `json:"rating"`
	UserRatingCount     int            `json:"userRatingCount"`
	Types               []string       `json:"types"`
	PriceLevel          string         `json:"priceLevel"`
	RegularOpeningHours *OpeningHours  `json:"regularOpeningHours,omitempty"`
	WebsiteURI          string         `json:"websiteUri"`
	NationalPhoneNumber string         `json:"nationalPhoneNumber"`
	EditorialSummary    *LocalizedText `json:"editorialSummary,omitempty"`
	Reviews             []Review       `json:"reviews"`
}

// LocalizedText holds a text value with its language.
type LocalizedText struct {
	Text         string `json:"text"`
	LanguageCode string `json:"languageCode,omitempty"`
}

// LatLng is a WGS84 coordinate.
type LatLng struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// OpeningHours holds the weekly schedule. WeekdayDescriptions has one line per day,
// e.g. "Wednesday: 9:30 AM – 11:00 AM".
type OpeningHours struct {
	WeekdayDescriptions []string `json:"weekdayDescriptions"`
}

// Review is a single user review.
type Review struct {
	Text   *LocalizedText `json:"text,omitempty"`
	Rating float64        `json:"rating"`
}

// Field masks.
var (
	SearchFields = []string{
		"id", "displayName", "formattedAddress", "location", "rating",
		"userRatingCount", "types", "priceLevel",
	}
	DetailFields = []string{
		"id", "displayName", "formattedAddress", "location", "types",
		"regularOpeningHours.weekdayDescriptions", "websiteUri",
		"nationalPhoneNumber", "editorialSummary", "reviews",
	}
	NearbyFields = []string{"id", "displayName", "formattedAddress", "location", "types"}
)

// APIError is a non-2xx response from the Places API.
type APIError struct {
	StatusCode int
	// Status is the provider status string, e.g. "RESOURCE_EXHAUSTED".
	Status  string
	Message string
}

func (e *APIError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("google: status %d %s: %s", e.StatusCode, e.Status, e.Message)
	}
	return fmt.Sprintf("google: status %d: %s", e.StatusCode, e.Message)
}

// IsQuotaExceeded reports whether err is a provider throttling signal.
func IsQuotaExceeded(err error) bool {
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == http.StatusTooManyRequests || apiErr.Status == "RESOURCE_EXHAUSTED"
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Google Places API client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// searchMask prefixes each field with "places." for list responses.
func searchMask(fields []string) string {
	out := make([]string, len(fields))
	for i, f := range fields {
		out[i] = "places." + f
	}
	return strings.Join(out, ",") + ",nextPageToken"
}

func (c *httpClient) TextSearch(ctx context.Context, req TextSearchRequest) (*SearchResponse, error) {
	var result SearchResponse
	if err := c.do(ctx, http.MethodPost, "/places:searchText", req, searchMask(SearchFields), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *httpClient) GetPlace(ctx context.Context, placeID string, fields []string) (*Place, error) {
	if placeID == "" {
		return nil, eris.New("google: empty place id")
	}
	if len(fields) == 0 {
		fields = DetailFields
	}
	var result Place
	path := "/places/" + url.PathEscape(placeID)
	if err := c.do(ctx, http.MethodGet, path, nil, strings.Join(fields, ","), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type nearbyBody struct {
	IncludedTypes       []string `json:"includedTypes,omitempty"`
	MaxResultCount      int      `json:"maxResultCount,omitempty"`
	RankPreference      string   `json:"rankPreference,omitempty"`
	LocationRestriction struct {
		Circle struct {
			Center LatLng  `json:"center"`
			Radius float64 `json:"radius"`
		} `json:"circle"`
	} `json:"locationRestriction"`
}

func (c *httpClient) SearchNearby(ctx context.Context, req NearbyRequest) (*SearchResponse, error) {
	var body nearbyBody
	body.IncludedTypes = req.IncludedTypes
	body.MaxResultCount = req.MaxResultCount
	body.RankPreference = "DISTANCE"
	body.LocationRestriction.Circle.Center = LatLng{Latitude: req.Lat, Longitude: req.Lon}
	body.LocationRestriction.Circle.Radius = req.RadiusM

	var result SearchResponse
	if err := c.do(ctx, http.MethodPost, "/places:searchNearby", body, searchMask(NearbyFields), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

type errorEnvelope struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
	} `json:"error"`
}

func (c *httpClient) do(ctx context.Context, method, path string, in any, fieldMask string, out any) error {
	var reader io.Reader
	if in != nil {
		body, err := json.Marshal(in)
		if err != nil {
			return eris.Wrap(err, "google: marshal request")
		}
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return eris.Wrap(err, "google: create request")
	}

	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Goog-Api-Key", c.apiKey)
	req.Header.Set("X-Goog-FieldMask", fieldMask)

	resp, err := c.http.Do(req)
	if err != nil {
		return eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
		var env errorEnvelope
		if json.Unmarshal(respBody, &env) == nil && env.Error.Message != "" {
			apiErr.Status = env.Error.Status
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return eris.Wrapf(ErrMalformedResponse, "%s %s: %v", method, path, err)
	}

	return nil
}
