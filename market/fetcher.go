package market

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"
	"golang.org/x/time/rate"
)

const (
	DefaultListingURL = "http://www.tsetmc.com/Loader.aspx?ParTree=111C1417"
	DefaultSectorsURL = "http://www.tsetmc.com/Loader.aspx?ParTree=111C1213"
	DefaultHistoryURL = "http://tsetmc.com/tsev2/data/Export-txt.aspx?t=i&a=1&b=0&i="
)

// FetcherConfig configures the upstream pages and the HTTP client.
type FetcherConfig struct {
	ListingURL string
	SectorsURL string
	// HistoryURL is a prefix; the instrument id is appended to it.
	HistoryURL string
	UserAgent  string
	Timeout    time.Duration
	// RateLimit caps requests per second, 0 disables the limiter.
	RateLimit float64
	Burst     int
}

func DefaultFetcherConfig() FetcherConfig {
	return FetcherConfig{
		ListingURL: DefaultListingURL,
		SectorsURL: DefaultSectorsURL,
		HistoryURL: DefaultHistoryURL,
		UserAgent:  "tfinance/1.0",
		Timeout:    30 * time.Second,
	}
}

// HistoryPayload is a downloaded history export.
type HistoryPayload struct {
	InstrumentID string
	FileName     string
	Body         []byte
}

// Fetcher issues the GET requests for listing, sector and history pages.
type Fetcher struct {
	client  *http.Client
	config  FetcherConfig
	limiter *rate.Limiter
	logger  *zap.Logger
}

type FetcherOption func(*Fetcher)

func WithHTTPClient(client *http.Client) FetcherOption {
	return func(f *Fetcher) {
		f.client = client
	}
}

func WithFetcherLogger(logger *zap.Logger) FetcherOption {
	return func(f *Fetcher) {
		f.logger = logger
	}
}

func NewFetcher(config FetcherConfig, opts ...FetcherOption) *Fetcher {
	defaults := DefaultFetcherConfig()
	if config.ListingURL == "" {
		config.ListingURL = defaults.ListingURL
	}
	if config.SectorsURL == "" {
		config.SectorsURL = defaults.SectorsURL
	}
	if config.HistoryURL == "" {
		config.HistoryURL = defaults.HistoryURL
	}
	if config.UserAgent == "" {
		config.UserAgent = defaults.UserAgent
	}
	if config.Timeout == 0 {
		config.Timeout = defaults.Timeout
	}

	f := &Fetcher{
		client: &http.Client{Timeout: config.Timeout},
		config: config,
		logger: zap.NewNop(),
	}
	if config.RateLimit > 0 {
		burst := config.Burst
		if burst < 1 {
			burst = 1
		}
		f.limiter = rate.NewLimiter(rate.Limit(config.RateLimit), burst)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// FetchListing returns the instrument listing page as UTF-8 HTML.
func (f *Fetcher) FetchListing(ctx context.Context) ([]byte, error) {
	body, _, err := f.get(ctx, f.config.ListingURL)
	return body, err
}

// FetchSectors returns the sector listing page as UTF-8 HTML.
func (f *Fetcher) FetchSectors(ctx context.Context) ([]byte, error) {
	body, _, err := f.get(ctx, f.config.SectorsURL)
	return body, err
}

// FetchHistory downloads the CSV export of one instrument. The response must
// carry a Content-Disposition header naming the file.
func (f *Fetcher) FetchHistory(ctx context.Context, id string) (*HistoryPayload, error) {
	url := f.config.HistoryURL + id
	body, header, err := f.get(ctx, url)
	if err != nil {
		return nil, err
	}

	disposition := header.Get("Content-Disposition")
	if disposition == "" {
		return nil, &FetchError{URL: url, Reason: "missing content-disposition header"}
	}
	name := dispositionFileName(disposition)
	if name == "" {
		return nil, &FetchError{URL: url, Reason: fmt.Sprintf("no file name in content-disposition %q", disposition)}
	}

	return &HistoryPayload{InstrumentID: id, FileName: name, Body: body}, nil
}

var fileNamePattern = regexp.MustCompile(`filename=(.+)`)

func dispositionFileName(disposition string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := params["filename"]; name != "" {
			return name
		}
	}
	if m := fileNamePattern.FindStringSubmatch(disposition); m != nil {
		return strings.Trim(strings.TrimSpace(m[1]), `"`)
	}
	return ""
}

func (f *Fetcher) get(ctx context.Context, url string) ([]byte, http.Header, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, nil, &FetchError{URL: url, Reason: "rate limiter", Err: err}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, &FetchError{URL: url, Reason: "build request", Err: err}
	}
	req.Header.Set("User-Agent", f.config.UserAgent)

	start := time.Now()
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, nil, &FetchError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, nil, &FetchError{URL: url, StatusCode: resp.StatusCode, Reason: http.StatusText(resp.StatusCode)}
	}

	reader, err := utf8Reader(resp.Body, resp.Header.Get("Content-Type"))
	if err != nil {
		return nil, nil, &FetchError{URL: url, Reason: "unsupported charset", Err: err}
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, nil, &FetchError{URL: url, Reason: "read body", Err: err}
	}

	f.logger.Debug("fetched",
		zap.String("url", url),
		zap.Int("bytes", len(body)),
		zap.Duration("elapsed", time.Since(start)))
	return body, resp.Header, nil
}

// utf8Reader decodes the body when Content-Type declares a non UTF-8
// charset, e.g. windows-1256.
func utf8Reader(body io.Reader, contentType string) (io.Reader, error) {
	if contentType == "" {
		return body, nil
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return body, nil
	}
	charset := strings.ToLower(params["charset"])
	if charset == "" || charset == "utf-8" || charset == "utf8" {
		return body, nil
	}
	enc, err := htmlindex.Get(charset)
	if err != nil {
		return nil, err
	}
	return transform.NewReader(body, enc.NewDecoder()), nil
}
