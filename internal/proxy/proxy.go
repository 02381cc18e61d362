// Package proxy performs the outbound call to selected upstreams and
// drives the bounded failover loop across the selector's ordering.
package proxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"edge-router/internal/forward"
	"edge-router/internal/health"
	"edge-router/internal/lb"
	"edge-router/internal/metrics"
	"edge-router/internal/model"
	"edge-router/internal/pipeline"
)

// Outcome classifies one attempt against one upstream.
type Outcome int

const (
	// OutcomeSuccess is any response the upstream produced with status
	// below 500. Whether a 4xx is an application error is the caller's
	// business, not the dispatcher's.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable covers connection/DNS failures, timeouts and 5xx.
	OutcomeRetryable
	// OutcomeFatal ends the failover loop: malformed or oversized
	// responses must not be retried against other upstreams.
	OutcomeFatal
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// Dispatcher runs attempts until success, exhaustion, a fatal outcome or
// budget expiry. Attempts per request never exceed the route's upstream
// count, and no upstream is tried twice.
type Dispatcher struct {
	selector   *lb.Selector
	health     health.Store
	transports forward.Factory
	proto      string
	log        *zap.Logger

	// MaxResponseBytes rejects oversized upstream responses as fatal.
	MaxResponseBytes int64
	// MaxReplayBytes caps the request-body buffer used to make retries
	// safe; bigger bodies get a single attempt.
	MaxReplayBytes int64
	// MinAttemptTimeout is the floor for per-attempt timeouts carved out
	// of the remaining budget.
	MinAttemptTimeout time.Duration
	// Metrics, when set, counts per-attempt outcomes.
	Metrics *metrics.Registry
}

func NewDispatcher(sel *lb.Selector, hs health.Store, transports forward.Factory, log *zap.Logger) *Dispatcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		selector:          sel,
		health:            hs,
		transports:        transports,
		proto:             forward.ProtoAuto,
		log:               log,
		MaxResponseBytes:  32 << 20,
		MaxReplayBytes:    4 << 20,
		MinAttemptTimeout: 50 * time.Millisecond,
	}
}

// Do runs the failover loop for one request and always returns a
// response: the first successful upstream response, or a synthesized
// 502/504 with no upstream-identifying details.
func (d *Dispatcher) Do(ctx context.Context, rc *pipeline.RequestContext) *http.Response {
	route := rc.Route
	n := len(route.Upstreams)

	// Retrying after a half-sent body would replay garbage, so small
	// bodies are buffered once and replayed per attempt; oversized
	// bodies stream and forfeit their retries.
	var replay []byte
	var stream io.Reader
	if rc.In.Body != nil && rc.In.Body != http.NoBody && rc.In.ContentLength != 0 {
		if n == 1 {
			stream = rc.In.Body
		} else {
			buf, err := io.ReadAll(io.LimitReader(rc.In.Body, d.MaxReplayBytes+1))
			if err != nil {
				return synthesize(http.StatusBadGateway, "upstream unavailable")
			}
			if int64(len(buf)) > d.MaxReplayBytes {
				stream = io.MultiReader(bytes.NewReader(buf), rc.In.Body)
			} else {
				replay = buf
			}
		}
	}

	timedOut := false
loop:
	for attempt := 0; attempt < n; attempt++ {
		remaining := time.Until(rc.Deadline)
		if remaining <= 0 {
			timedOut = true
			break
		}

		up, err := d.selector.Next(ctx, route, rc.Tried, rc.AffinityKey)
		if err != nil {
			break // exhausted
		}
		rc.Tried[up.ID] = true

		// a fraction of what is left, so one slow upstream cannot burn
		// the whole budget before failover gets a chance
		per := remaining / time.Duration(n-attempt)
		if per < d.MinAttemptTimeout {
			per = d.MinAttemptTimeout
		}
		if per > remaining {
			per = remaining
		}

		body := stream
		if replay != nil {
			body = bytes.NewReader(replay)
		}

		res, outcome, aerr := d.attempt(ctx, up, rc, body, per)
		if d.Metrics != nil {
			d.Metrics.IncAttempt(route.ID, up.ID, outcome.String())
		}
		switch outcome {
		case OutcomeSuccess:
			d.health.ReportSuccess(ctx, up.ID)
			return res
		case OutcomeRetryable:
			d.health.ReportFailure(ctx, up.ID)
			d.log.Warn("upstream attempt failed",
				zap.String("route", route.ID),
				zap.String("upstream", up.ID),
				zap.Int("attempt", attempt+1),
				zap.Error(aerr))
			if stream != nil {
				// body already on the wire once; no safe replay
				break loop
			}
		case OutcomeFatal:
			if route.FatalMarksUnhealthy {
				d.health.ReportFailure(ctx, up.ID)
			}
			d.log.Warn("fatal upstream response, aborting failover",
				zap.String("route", route.ID),
				zap.String("upstream", up.ID),
				zap.Error(aerr))
			break loop
		}
	}

	if timedOut {
		return synthesize(http.StatusGatewayTimeout, "upstream timeout")
	}
	return synthesize(http.StatusBadGateway, "upstream unavailable")
}

// attempt sends the effective request to one upstream with its own
// timeout carved from the remaining budget, and classifies the result.
func (d *Dispatcher) attempt(ctx context.Context, up *model.Upstream, rc *pipeline.RequestContext, body io.Reader, timeout time.Duration) (*http.Response, Outcome, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)

	u := new(url.URL)
	*u = *up.URL
	u.Path = joinSlash(up.URL.Path, rc.URL.Path)
	u.RawQuery = rc.URL.RawQuery

	req, err := http.NewRequestWithContext(actx, rc.Method, u.String(), body)
	if err != nil {
		cancel()
		return nil, OutcomeFatal, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = cloneHeader(rc.Header)
	dropHopByHop(req.Header)
	addXFF(req.Header, rc.In.RemoteAddr)
	setXFProto(req.Header, rc.In)
	setXFHost(req.Header, rc.In.Host)
	if rc.Route.PreserveHost {
		req.Host = rc.In.Host
	} else {
		req.Host = u.Host
	}

	res, err := d.transports.Get(d.proto).RoundTrip(req)
	if err != nil {
		cancel()
		return nil, classifyErr(err), err
	}
	if d.MaxResponseBytes > 0 && res.ContentLength > d.MaxResponseBytes {
		_ = res.Body.Close()
		cancel()
		return nil, OutcomeFatal, fmt.Errorf("response of %d bytes exceeds %d byte cap", res.ContentLength, d.MaxResponseBytes)
	}
	if res.StatusCode >= 500 {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		cancel()
		return nil, OutcomeRetryable, fmt.Errorf("upstream status %d", res.StatusCode)
	}

	dropHopByHop(res.Header)
	res.Body = &cancelBody{ReadCloser: res.Body, cancel: cancel}
	return res, OutcomeSuccess, nil
}

func classifyErr(err error) Outcome {
	// the transport reports unparseable responses as errors; those are
	// the one case not worth failing over on. Connection failures, DNS
	// failures and timeouts all stay retryable.
	if strings.Contains(err.Error(), "malformed") {
		return OutcomeFatal
	}
	return OutcomeRetryable
}

// cancelBody releases the attempt's context once the caller finishes
// streaming the response.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

func synthesize(status int, msg string) *http.Response {
	h := http.Header{}
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("X-Content-Type-Options", "nosniff")
	body := msg + "\n"
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}
