// Package fetch pulls one page of standings over REST. It is used for the
// initial load, page changes and reconciliation after a reconnect or unfreeze.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/DoyleJ11/leaderboard-sync/internal/auth"
	"github.com/DoyleJ11/leaderboard-sync/internal/metrics"
	"github.com/DoyleJ11/leaderboard-sync/internal/normalize"
	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
	"github.com/DoyleJ11/leaderboard-sync/pkg/types"
)

var (
	ErrInvalidPage    = errors.New("page number and page size must be >= 1")
	ErrMissingContest = errors.New("contest id is required")
)

// StatusError is a non-2xx reply from the leaderboard endpoint.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("leaderboard fetch: status %d", e.Code)
	}
	return fmt.Sprintf("leaderboard fetch: status %d: %s", e.Code, e.Body)
}

type Result struct {
	Snapshot   standings.Snapshot
	Pagination types.PageMeta
}

// Fetcher is what the board needs from this package.
type Fetcher interface {
	Fetch(ctx context.Context, contestID string, pageNumber, pageSize int) (Result, error)
}

type Client struct {
	endpoint   *url.URL
	httpClient *http.Client
	limiter    *rate.Limiter
	tokens     auth.TokenSource
	tracer     trace.Tracer
	logger     *zap.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

var _ Fetcher = (*Client)(nil)

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option { return func(cl *Client) { cl.httpClient = c } }

// WithLimiter paces outbound requests. Callers block in Fetch until a token is
// available or their context ends.
func WithLimiter(l *rate.Limiter) Option    { return func(cl *Client) { cl.limiter = l } }
func WithTokens(ts auth.TokenSource) Option { return func(cl *Client) { cl.tokens = ts } }
func WithTracer(t trace.Tracer) Option      { return func(cl *Client) { cl.tracer = t } }
func WithLogger(l *zap.Logger) Option       { return func(cl *Client) { cl.logger = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(cl *Client) { cl.metrics = m } }
func withClock(now func() time.Time) Option { return func(cl *Client) { cl.now = now } }

// New builds a client for the API rooted at baseURL; requests go to
// {baseURL}/leaderboard.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/") + "/leaderboard")
	if err != nil {
		return nil, fmt.Errorf("api url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("api url %q: scheme must be http or https", baseURL)
	}

	c := &Client{
		endpoint:   u,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tracer:     noop.NewTracerProvider().Tracer(""),
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Fetch performs one GET. There is no retry: a failure is returned to the caller,
// which shows it and waits for the next trigger.
func (c *Client) Fetch(ctx context.Context, contestID string, pageNumber, pageSize int) (res Result, err error) {
	if contestID == "" {
		return Result{}, ErrMissingContest
	}
	if pageNumber < 1 || pageSize < 1 {
		return Result{}, fmt.Errorf("page %d size %d: %w", pageNumber, pageSize, ErrInvalidPage)
	}

	ctx, span := c.tracer.Start(ctx, "fetch.Client.Fetch", trace.WithAttributes(
		attribute.String("contest_id", contestID),
		attribute.Int("page_number", pageNumber),
		attribute.Int("page_size", pageSize),
	))
	started := time.Now()
	defer func() {
		c.metrics.FetchObserved(time.Since(started), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return Result{}, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := c.newRequest(ctx, contestID, pageNumber, pageSize)
	if err != nil {
		return Result{}, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("leaderboard fetch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return Result{}, &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var page types.LeaderboardPage
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return Result{}, fmt.Errorf("decode leaderboard page: %v: %w", err, normalize.ErrMalformedPayload)
	}
	entries, err := normalize.DecodeEntries(page.Data)
	if err != nil {
		return Result{}, fmt.Errorf("leaderboard data: %w", err)
	}
	snap, err := normalize.Flatten(entries, c.now())
	if err != nil {
		return Result{}, fmt.Errorf("leaderboard data: %w", err)
	}

	span.SetAttributes(attribute.Int("rows", len(snap.Rows)))
	c.logger.Debug("fetched leaderboard page",
		zap.String("contest_id", contestID),
		zap.Int("page_number", pageNumber),
		zap.Int("rows", len(snap.Rows)),
	)
	return Result{Snapshot: snap, Pagination: page.AdditionalData}, nil
}

func (c *Client) newRequest(ctx context.Context, contestID string, pageNumber, pageSize int) (*http.Request, error) {
	u := *c.endpoint
	q := u.Query()
	q.Set("contestId", contestID)
	q.Set("pageNumber", strconv.Itoa(pageNumber))
	q.Set("pageSize", strconv.Itoa(pageSize))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	if c.tokens != nil {
		tok, err := c.tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("access token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}
	return req, nil
}
