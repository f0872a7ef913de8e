package crawler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Harvey-AU/profile-harvester/internal/db"
)

const (
	acceptHeader   = "text/html,application/xhtml+xml,application/xml;q=0.9,image/webp,*/*;q=0.8"
	acceptLanguage = "ru-RU,ru;q=0.9,en-US;q=0.8,en;q=0.7"
)

// Crawler fetches and classifies profile pages.
type Crawler struct {
	config  *Config
	colly   *colly.Collector
	ttfbMap *sync.Map // URL -> time to first byte of the latest request
	now     func() time.Time
}

// ttfbRoundTripper records the time to first byte of every request.
type ttfbRoundTripper struct {
	transport http.RoundTripper
	ttfbMap   *sync.Map
}

func (t *ttfbRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	key := req.URL.String()
	trace := &httptrace.ClientTrace{
		GotFirstResponseByte: func() {
			t.ttfbMap.Store(key, time.Since(start))
		},
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	return t.transport.RoundTrip(req)
}

// New creates a new Crawler. If config is nil, default configuration is used.
func New(config *Config) *Crawler {
	if config == nil {
		config = DefaultConfig()
	}

	c := colly.NewCollector(
		colly.UserAgent(config.UserAgent),
		colly.MaxDepth(1),
		colly.AllowURLRevisit(),
	)
	// Non-2xx pages reach OnResponse so the status can be classified there.
	c.ParseHTTPErrorResponse = true

	ttfbMap := &sync.Map{}
	baseTransport := &http.Transport{
		MaxIdleConnsPerHost: 25,
		MaxConnsPerHost:     50,
		IdleConnTimeout:     120 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		ForceAttemptHTTP2:   true,
	}
	c.SetClient(&http.Client{
		Timeout: config.Timeout,
		Transport: otelhttp.NewTransport(&ttfbRoundTripper{
			transport: baseTransport,
			ttfbMap:   ttfbMap,
		}),
	})

	return &Crawler{
		config:  config,
		colly:   c,
		ttfbMap: ttfbMap,
		now:     time.Now,
	}
}

// onRequest asks for the Russian page variant the parser expects. Clones
// start with no callbacks, so Scrape registers it on every clone.
func onRequest(r *colly.Request) {
	r.Headers.Set("Accept", acceptHeader)
	r.Headers.Set("Accept-Language", acceptLanguage)

	log.Debug().
		Str("url", r.URL.String()).
		Msg("Crawler sending request")
}

// Config returns the Crawler's configuration.
func (c *Crawler) Config() *Config {
	return c.config
}

// ProfileURL renders the profile URL for id.
func (c *Crawler) ProfileURL(id int64) string {
	return fmt.Sprintf(c.config.URLTemplate, id)
}

// Scrape fetches one profile. It never returns a Go error: every failure is
// expressed as an Outcome with Err set.
func (c *Crawler) Scrape(ctx context.Context, id int64) Result {
	targetURL := c.ProfileURL(id)
	start := time.Now()
	res := Result{ID: id, Outcome: OutcomeTimeout}

	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	var (
		mu      sync.Mutex
		settled bool
	)
	settle := func(fn func()) {
		mu.Lock()
		defer mu.Unlock()
		if settled {
			return
		}
		settled = true
		fn()
	}

	clone := c.colly.Clone()
	clone.Context = ctx
	clone.OnRequest(onRequest)

	clone.OnResponse(func(r *colly.Response) {
		settle(func() {
			res.StatusCode = r.StatusCode
			c.classify(&res, r.StatusCode, r.Body)
		})
	})

	clone.OnError(func(r *colly.Response, err error) {
		settle(func() {
			if r != nil && r.StatusCode > 0 {
				res.StatusCode = r.StatusCode
				c.classify(&res, r.StatusCode, r.Body)
				return
			}
			res.Outcome = OutcomeTimeout
			res.Err = err
		})
	})

	done := make(chan error, 1)
	go func() {
		done <- clone.Visit(targetURL)
	}()

	select {
	case err := <-done:
		if err != nil {
			settle(func() {
				res.Outcome = OutcomeTimeout
				res.Err = err
			})
		}
	case <-ctx.Done():
		settle(func() {
			res.Outcome = OutcomeTimeout
			res.Err = ctx.Err()
		})
	}

	settle(func() {
		res.Err = errors.New("no response received")
	})

	mu.Lock()
	defer mu.Unlock()
	res.Duration = time.Since(start)

	event := log.Debug()
	if res.Outcome.Transient() {
		event = log.Warn()
	}
	if ttfb, ok := c.ttfbMap.LoadAndDelete(targetURL); ok {
		event = event.Dur("ttfb", ttfb.(time.Duration))
	}
	event.
		Int64("id", id).
		Str("outcome", res.Outcome.String()).
		Int("status", res.StatusCode).
		Dur("duration", res.Duration).
		AnErr("error", res.Err).
		Msg("Profile fetch finished")

	return res
}

func (c *Crawler) classify(res *Result, status int, body []byte) {
	switch {
	case status == http.StatusNotFound:
		res.Outcome = OutcomeNotFound
		return
	case status == http.StatusTooManyRequests:
		res.Outcome = OutcomeRateLimited
		res.Err = fmt.Errorf("rate limited (status %d)", status)
		return
	case status < 200 || status >= 300:
		res.Outcome = OutcomeServerError
		res.Err = fmt.Errorf("non-success status code: %d", status)
		return
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		res.Outcome = OutcomeServerError
		res.Err = fmt.Errorf("parse profile page: %w", err)
		return
	}

	profile, ok := c.buildProfile(res.ID, doc)
	if !ok {
		res.Outcome = OutcomeNotFound
		return
	}
	res.Outcome = OutcomeFound
	res.Profile = profile
}

func (c *Crawler) buildProfile(id int64, doc *goquery.Document) (*db.Profile, bool) {
	if IsNotFoundPage(doc) {
		return nil, false
	}
	parsed := ParseProfile(doc)
	if parsed.Nickname == "" {
		return nil, false
	}
	return &db.Profile{
		ID:               id,
		URL:              c.ProfileURL(id),
		Nickname:         parsed.Nickname,
		RegistrationDate: parsed.RegistrationDate,
		ReviewCount:      parsed.ReviewCount,
		LotCount:         parsed.LotCount,
		IsBanned:         parsed.IsBanned,
		IsSupport:        parsed.IsSupport,
		ScrapedAt:        c.now().UTC(),
		ScrapedBy:        c.config.WorkerID,
		Status:           db.StatusFound,
	}, true
}
