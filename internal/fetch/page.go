package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/rotisserie/eris"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/time/rate"

	"github.com/sells-group/directory-cli/internal/resilience"
)

// PageOptions configures website fetching.
type PageOptions struct {
	UserAgent string
	Timeout   time.Duration
	// PerHostRate is requests per second allowed to any one host.
	PerHostRate rate.Limit
	MaxBytes    int64
	Policy      resilience.Policy
	HTTPClient  *http.Client
}

// PageFetcher downloads entity websites and reduces them to their main text.
type PageFetcher struct {
	client *http.Client
	opts   PageOptions

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewPageFetcher creates a PageFetcher with defaults for unset options.
func NewPageFetcher(opts PageOptions) *PageFetcher {
	if opts.UserAgent == "" {
		opts.UserAgent = "directory-cli/1.0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 20 * time.Second
	}
	if opts.PerHostRate <= 0 {
		opts.PerHostRate = 1
	}
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 2 << 20
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{
			Timeout: opts.Timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &PageFetcher{client: client, opts: opts, limiters: make(map[string]*rate.Limiter)}
}

func (f *PageFetcher) limiterFor(host string) *rate.Limiter {
	f.mu.Lock()
	defer f.mu.Unlock()
	lim, ok := f.limiters[host]
	if !ok {
		lim = rate.NewLimiter(f.opts.PerHostRate, 2)
		f.limiters[host] = lim
	}
	return lim
}

// Text fetches rawURL and returns its main text. Non-HTML responses return "".
func (f *PageFetcher) Text(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", eris.Errorf("fetch: invalid page url %q", rawURL)
	}
	lim := f.limiterFor(u.Host)

	p := f.opts.Policy
	p.OnRetry = resilience.RetryLogger("website", u.Host)
	return resilience.DoVal(ctx, p, func(ctx context.Context) (string, error) {
		if err := lim.Wait(ctx); err != nil {
			return "", eris.Wrap(err, "fetch: page rate limiter wait")
		}
		return f.get(ctx, u.String())
	})
}

func (f *PageFetcher) get(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", eris.Wrap(err, "fetch: create page request")
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", eris.Wrapf(err, "fetch: get %s", rawURL)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("fetch: get %s: status %d", rawURL, resp.StatusCode)
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	mediaType, params, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType != "" && mediaType != "text/html" && mediaType != "application/xhtml+xml" {
		return "", nil
	}

	var body io.Reader = io.LimitReader(resp.Body, f.opts.MaxBytes)
	if cs := params["charset"]; cs != "" && !strings.EqualFold(cs, "utf-8") {
		if enc, err := htmlindex.Get(cs); err == nil {
			body = enc.NewDecoder().Reader(body)
		}
	}

	raw, err := io.ReadAll(body)
	if err != nil {
		return "", eris.Wrapf(err, "fetch: read %s", rawURL)
	}
	return MainText(string(raw))
}

// contentSelectors are tried in order; the first present wins, else the whole body.
var contentSelectors = []string{"main", "article", "#content", ".content", ".main-content", "#main-content"}

const blockSelector = "p, li, h1, h2, h3, h4, h5, h6, td, th, dt, dd, div, section, br, tr"

// MainText strips navigation and boilerplate from an HTML document and returns its
// visible text. Block elements are separated by " | " so clause-scoped extractors do
// not read across them.
func MainText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", eris.Wrap(err, "fetch: parse html")
	}

	doc.Find("nav, footer, header, script, style, noscript, iframe, form, .cookie-banner, .cookie-notice, .popup, .sidebar, .ad, .ads").Remove()

	var main *goquery.Selection
	for _, sel := range contentSelectors {
		if s := doc.Find(sel); s.Length() > 0 {
			main = s.First()
			break
		}
	}
	if main == nil {
		main = doc.Find("body")
	}

	main.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" | ")
	})
	return cleanText(main.Text()), nil
}

func cleanText(s string) string {
	parts := strings.Split(strings.Join(strings.Fields(s), " "), "|")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, " | ")
}
