// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package fleet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/hashicorp/go-cleanhttp"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	cmdRouteLists = "getRouteListsByDateOut"
	cmdRequests   = "getRequests"
	cmdMonitoring = "getMonitoringStats"
)

var (
	// ErrNoData is returned when the service answers 404, i.e. there is no
	// payload for the requested range. Not an error condition for callers.
	ErrNoData = errors.New("fleet: no data")

	// ErrExhausted is returned when a retry budget (429 or timeout) ran out.
	ErrExhausted = errors.New("fleet: retry budget exhausted")
)

// ClientOpts tune the retry and timeout behaviour. The zero value is filled
// with the production defaults.
type ClientOpts struct {
	// Hard per-attempt deadline, independent of backoff retries.
	AttemptTimeout time.Duration
	// Base for the linear backoff applied on HTTP 429.
	RateLimitBackoff time.Duration
	// Initial interval for the exponential backoff applied on timeouts.
	TimeoutBackoff time.Duration
	// Attempt budgets for the two independent retry loops.
	MaxRateLimitAttempts int
	MaxTimeoutAttempts   int
}

func (o *ClientOpts) defaults() {
	if o.AttemptTimeout == 0 {
		o.AttemptTimeout = 30 * time.Second
	}
	if o.RateLimitBackoff == 0 {
		o.RateLimitBackoff = 10 * time.Second
	}
	if o.TimeoutBackoff == 0 {
		o.TimeoutBackoff = time.Second
	}
	if o.MaxRateLimitAttempts == 0 {
		o.MaxRateLimitAttempts = 5
	}
	if o.MaxTimeoutAttempts == 0 {
		o.MaxTimeoutAttempts = 3
	}
}

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client issues typed calls against the external fleet-tracking service.
// All calls are single HTTP POSTs with an empty body and all parameters in
// the query string. A fresh credential is drawn from the token pool for every
// attempt.
type Client struct {
	logger  log.Logger
	client  httpDoer
	baseURL string
	tokens  *TokenPool
	limiter *VehicleRateLimiter
	codec   *TimeCodec
	opts    ClientOpts

	metrics clientMetrics
}

type clientMetrics struct {
	attempts  *prometheus.CounterVec
	retries   *prometheus.CounterVec
	exhausted prometheus.Counter
	noData    prometheus.Counter
}

func newClientMetrics(reg prometheus.Registerer) clientMetrics {
	m := clientMetrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_api_attempts_total",
			Help: "HTTP attempts against the fleet API by command.",
		}, []string{"command"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "fleet_api_retries_total",
			Help: "Retried fleet API attempts by reason.",
		}, []string{"reason"}),
		exhausted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_api_exhausted_total",
			Help: "Fleet API operations that ran out of retry budget.",
		}),
		noData: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fleet_api_no_data_total",
			Help: "Fleet API operations answered with 404 (no data).",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.attempts, m.retries, m.exhausted, m.noData)
	}
	return m
}

// NewClient creates a fleet API client. limiter may be nil if per-vehicle
// spacing is not required (tests).
func NewClient(logger log.Logger, reg prometheus.Registerer, baseURL string, tokens *TokenPool, limiter *VehicleRateLimiter, codec *TimeCodec, opts ClientOpts) (*Client, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if tokens == nil {
		return nil, errors.New("no token pool configured")
	}
	if codec == nil {
		return nil, errors.New("no time codec configured")
	}
	opts.defaults()
	return &Client{
		logger:  logger,
		client:  cleanhttp.DefaultPooledClient(),
		baseURL: baseURL,
		tokens:  tokens,
		limiter: limiter,
		codec:   codec,
		opts:    opts,
		metrics: newClientMetrics(reg),
	}, nil
}

// ListRouteLists fetches route lists departing within [from, to].
func (c *Client) ListRouteLists(ctx context.Context, from, to time.Time) ([]RouteList, error) {
	params := url.Values{}
	params.Set("fromDate", c.codec.FormatDate(from))
	params.Set("toDate", c.codec.FormatDate(to))

	body, err := c.call(ctx, cmdRouteLists, params)
	if err != nil {
		return nil, err
	}
	var resp routeListsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", cmdRouteLists, err)
	}
	return resp.List, nil
}

// ListRequests fetches work requests created within [from, to].
func (c *Client) ListRequests(ctx context.Context, from, to time.Time) ([]Request, error) {
	params := url.Values{}
	params.Set("fromDate", c.codec.FormatDate(from))
	params.Set("toDate", c.codec.FormatDate(to))

	body, err := c.call(ctx, cmdRequests, params)
	if err != nil {
		return nil, err
	}
	var resp requestsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", cmdRequests, err)
	}
	return resp.List, nil
}

// FetchMonitoring fetches GPS monitoring statistics for one vehicle over the
// given window. The call is spaced by the per-vehicle rate limiter before the
// request is issued. Returns ErrNoData when the service has nothing for the
// window.
func (c *Client) FetchMonitoring(ctx context.Context, vehicleID int64, start, end time.Time) (*Monitoring, error) {
	if c.limiter != nil {
		if err := c.limiter.Acquire(ctx, vehicleID); err != nil {
			return nil, err
		}
	}
	params := url.Values{}
	params.Set("idMO", strconv.FormatInt(vehicleID, 10))
	params.Set("fromDate", c.codec.FormatDateTime(start))
	params.Set("toDate", c.codec.FormatDateTime(end))

	body, err := c.call(ctx, cmdMonitoring, params)
	if err != nil {
		return nil, err
	}
	var mon Monitoring
	if err := json.Unmarshal(body, &mon); err != nil {
		return nil, fmt.Errorf("decoding %s response: %w", cmdMonitoring, err)
	}
	return &mon, nil
}

// call runs one command with the retry policy:
//
//	404            -> ErrNoData, no retry
//	429            -> retry with fresh credential, linear 10s*(attempt+1), max 5 attempts
//	timeout        -> retry, exponential 1s*2^attempt, max 3 attempts
//	other 5xx      -> fail
//	transport err  -> fail
//
// The two retry loops are independent: a timeout retry does not consume a 429
// budget and vice versa.
func (c *Client) call(ctx context.Context, command string, params url.Values) ([]byte, error) {
	timeoutDelay := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(c.opts.TimeoutBackoff),
		backoff.WithMultiplier(2),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxInterval(time.Hour),
	)

	var rateLimitAttempts, timeoutAttempts int
	for {
		c.metrics.attempts.WithLabelValues(command).Inc()

		body, retry, err := c.attempt(ctx, command, params)
		if err == nil {
			return body, nil
		}
		switch retry {
		case retryRateLimited:
			rateLimitAttempts++
			if rateLimitAttempts >= c.opts.MaxRateLimitAttempts {
				c.metrics.exhausted.Inc()
				return nil, fmt.Errorf("%s: %d rate-limited attempts: %w", command, rateLimitAttempts, ErrExhausted)
			}
			c.metrics.retries.WithLabelValues("rate_limited").Inc()
			delay := time.Duration(rateLimitAttempts) * c.opts.RateLimitBackoff
			_ = level.Debug(c.logger).Log("msg", "fleet API rate limited, backing off", "command", command, "attempt", rateLimitAttempts, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		case retryTimeout:
			timeoutAttempts++
			if timeoutAttempts >= c.opts.MaxTimeoutAttempts {
				c.metrics.exhausted.Inc()
				return nil, fmt.Errorf("%s: %d timed-out attempts: %w", command, timeoutAttempts, ErrExhausted)
			}
			c.metrics.retries.WithLabelValues("timeout").Inc()
			delay := timeoutDelay.NextBackOff()
			_ = level.Debug(c.logger).Log("msg", "fleet API attempt timed out, backing off", "command", command, "attempt", timeoutAttempts, "delay", delay)
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
		default:
			if errors.Is(err, ErrNoData) {
				c.metrics.noData.Inc()
			}
			return nil, err
		}
	}
}

type retryKind int

const (
	retryNone retryKind = iota
	retryRateLimited
	retryTimeout
)

// attempt performs a single POST with a fresh credential and a hard deadline.
func (c *Client) attempt(ctx context.Context, command string, params url.Values) ([]byte, retryKind, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.AttemptTimeout)
	defer cancel()

	q := url.Values{}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	q.Set("credential", c.tokens.Next())
	q.Set("format", "json")
	q.Set("command", command)

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.baseURL+"?"+q.Encode(), nil)
	if err != nil {
		return nil, retryNone, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		// Cancellation of the caller's context is never retried.
		if ctx.Err() != nil {
			return nil, retryNone, ctx.Err()
		}
		if isTimeout(err) {
			return nil, retryTimeout, err
		}
		return nil, retryNone, fmt.Errorf("%s: %w", command, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retryNone, fmt.Errorf("%s: %w", command, ErrNoData)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, retryRateLimited, fmt.Errorf("%s: upstream rate limited", command)
	case resp.StatusCode/100 != 2:
		return nil, retryNone, fmt.Errorf("%s: unexpected status %d", command, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		if ctx.Err() != nil {
			return nil, retryNone, ctx.Err()
		}
		if isTimeout(err) {
			return nil, retryTimeout, err
		}
		return nil, retryNone, fmt.Errorf("%s: reading response: %w", command, err)
	}
	return body, retryNone, nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
