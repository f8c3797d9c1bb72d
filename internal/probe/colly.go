package probe

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

const defaultRequestTimeout = 60 * time.Second

// CollyConfig controls the colly-backed prober.
type CollyConfig struct {
	UserAgent    string
	MaxBodyBytes int
	// RequestTimeout caps a single request independent of the probe deadline.
	RequestTimeout time.Duration
	Transport      http.RoundTripper
	Logger         *zap.Logger
}

// CollyProber implements Prober using a gocolly collector per probe.
type CollyProber struct {
	cfg           CollyConfig
	baseCollector *colly.Collector
	logger        *zap.Logger
}

type collectorHooks interface {
	OnRequest(colly.RequestCallback)
	OnResponse(colly.ResponseCallback)
	OnHTML(string, colly.HTMLCallback)
	OnError(colly.ErrorCallback)
}

// visitState is filled in by collector callbacks during one probe.
type visitState struct {
	statusCode int
	title      string
	bodyText   string
	err        error
}

// NewCollyProber builds a CollyProber.
func NewCollyProber(cfg CollyConfig) *CollyProber {
	c := colly.NewCollector(colly.Async(false))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	if cfg.MaxBodyBytes > 0 {
		c.MaxBodySize = cfg.MaxBodyBytes
	}
	transport := cfg.Transport
	if transport == nil {
		transport = newHTTPTransport()
	}
	c.WithTransport(transport)
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	// Clones share the HTTP backend, so client settings are fixed here once.
	c.SetRequestTimeout(cfg.RequestTimeout)
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CollyProber{
		cfg:           cfg,
		baseCollector: c,
		logger:        logger.Named("probe"),
	}
}

// Probe fetches req.URL and classifies the response according to req.Mode.
func (p *CollyProber) Probe(ctx context.Context, req Request) Outcome {
	start := time.Now()
	target, err := ValidateEndpoint(req.URL)
	if err != nil {
		return Malformed(err)
	}
	if out, done := FromContext(ctx, 0); done {
		return out
	}

	state := &visitState{}
	collector := p.buildCollector(ctx, req, state)
	visitErr := p.runCollector(ctx, collector, target.String())
	elapsed := time.Since(start)
	if visitErr == nil && state.err != nil {
		visitErr = fmt.Errorf("%w: %w", ErrNetwork, state.err)
	}

	if out, done := FromContext(ctx, elapsed); done {
		return out
	}
	if visitErr != nil {
		return Outcome{Kind: Failure, StatusCode: state.statusCode, Duration: elapsed, Err: visitErr}
	}
	out := classify(req.Mode, state)
	out.Duration = elapsed
	p.logger.Debug("probe finished",
		zap.String("url", req.URL),
		zap.Stringer("mode", req.Mode),
		zap.Stringer("kind", out.Kind),
		zap.Int("status", out.StatusCode),
		zap.Duration("duration", elapsed),
	)
	return out
}

func classify(mode Mode, state *visitState) Outcome {
	out := Outcome{StatusCode: state.statusCode}
	switch mode {
	case ModeMetadata:
		if state.statusCode < 200 || state.statusCode > 299 {
			out.Kind = Failure
			out.Err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, state.statusCode)
			return out
		}
		if strings.TrimSpace(state.title) == "" && strings.TrimSpace(state.bodyText) == "" {
			out.Kind = Failure
			out.Err = ErrEmptyMetadata
			return out
		}
	default:
		if state.statusCode == 0 || state.statusCode >= http.StatusBadRequest {
			out.Kind = Failure
			out.Err = fmt.Errorf("%w: %d", ErrUnexpectedStatus, state.statusCode)
			return out
		}
	}
	out.Kind = Success
	return out
}

func (p *CollyProber) buildCollector(ctx context.Context, req Request, state *visitState) *colly.Collector {
	collector := p.baseCollector.Clone()
	if p.cfg.UserAgent != "" {
		collector.UserAgent = p.cfg.UserAgent
	}
	collector.Context = ctx
	configureHooks(collector, req, state)
	return collector
}

func configureHooks(hooks collectorHooks, req Request, state *visitState) {
	hooks.OnRequest(func(r *colly.Request) {
		for key, values := range req.Headers {
			r.Headers.Del(key)
			for _, v := range values {
				r.Headers.Add(key, v)
			}
		}
	})
	hooks.OnResponse(func(r *colly.Response) {
		state.statusCode = r.StatusCode
	})
	if req.Mode == ModeMetadata {
		hooks.OnHTML("title", func(e *colly.HTMLElement) {
			if state.title == "" {
				state.title = strings.TrimSpace(e.Text)
			}
		})
		hooks.OnHTML("body", func(e *colly.HTMLElement) {
			if state.bodyText == "" {
				state.bodyText = strings.TrimSpace(e.Text)
			}
		})
	}
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			state.statusCode = r.StatusCode
		}
		state.err = err
	})
}

func (p *CollyProber) runCollector(ctx context.Context, collector *colly.Collector, target string) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("probe canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: %w", ErrNetwork, err)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
