// Package mediator provides HTTP webhook mediation
package mediator

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/router/pool"
)

// HTTPMediator mediates messages via HTTP webhooks. It performs exactly one
// egress call per Process invocation; retries are the broker's
// responsibility via NAK + visibility, never the mediator's.
type HTTPMediator struct {
	client  *http.Client
	timeout time.Duration

	breakersEnabled bool
	breakerSettings func(target string) gobreaker.Settings
	breakersMu      sync.Mutex
	breakers        map[string]*gobreaker.CircuitBreaker
}

// HTTPVersion represents the HTTP protocol version to use
type HTTPVersion string

const (
	// HTTPVersion1 forces HTTP/1.1
	HTTPVersion1 HTTPVersion = "HTTP_1_1"
	// HTTPVersion2 enables HTTP/2 (default for production)
	HTTPVersion2 HTTPVersion = "HTTP_2"
)

// HTTPMediatorConfig configures the HTTP mediator
type HTTPMediatorConfig struct {
	// Timeout is the fallback request timeout used when a pointer carries
	// no TimeoutSeconds of its own.
	Timeout time.Duration

	// HTTPVersion controls which HTTP version to use
	HTTPVersion HTTPVersion

	// CircuitBreaker settings, one breaker instantiated per mediation target host.
	CircuitBreakerEnabled     bool
	CircuitBreakerRequests    uint32        // Request volume threshold
	CircuitBreakerInterval    time.Duration // Stats window
	CircuitBreakerRatio       float64       // Failure ratio to trip
	CircuitBreakerTimeout     time.Duration // Time in open state before half-open
	CircuitBreakerMinRequests uint32        // Min requests before evaluating ratio
}

// DefaultHTTPMediatorConfig returns sensible defaults for production
func DefaultHTTPMediatorConfig() *HTTPMediatorConfig {
	return &HTTPMediatorConfig{
		Timeout:                   30 * time.Second,
		HTTPVersion:               HTTPVersion2,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    10,
		CircuitBreakerInterval:    60 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     5 * time.Second,
		CircuitBreakerMinRequests: 10,
	}
}

// DevHTTPMediatorConfig returns config suitable for development (HTTP/1.1)
func DevHTTPMediatorConfig() *HTTPMediatorConfig {
	cfg := DefaultHTTPMediatorConfig()
	cfg.HTTPVersion = HTTPVersion1
	return cfg
}

// NewHTTPMediator creates a new HTTP mediator
func NewHTTPMediator(cfg *HTTPMediatorConfig) *HTTPMediator {
	if cfg == nil {
		cfg = DefaultHTTPMediatorConfig()
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	if cfg.HTTPVersion == HTTPVersion1 {
		transport.ForceAttemptHTTP2 = false
		transport.TLSNextProto = make(map[string]func(authority string, c *tls.Conn) http.RoundTripper)
		slog.Info("HTTP mediator configured", "version", "HTTP/1.1")
	} else {
		transport.ForceAttemptHTTP2 = true
		slog.Info("HTTP mediator configured", "version", "HTTP/2")
	}

	client := &http.Client{
		// No Timeout set here: per-request deadlines come from the pointer's
		// timeoutSeconds (or cfg.Timeout as fallback) via context.
		Transport: transport,
	}

	m := &HTTPMediator{
		client:          client,
		timeout:         cfg.Timeout,
		breakersEnabled: cfg.CircuitBreakerEnabled,
		breakers:        make(map[string]*gobreaker.CircuitBreaker),
	}

	if cfg.CircuitBreakerEnabled {
		m.breakerSettings = func(target string) gobreaker.Settings {
			return gobreaker.Settings{
				Name:        target,
				MaxRequests: cfg.CircuitBreakerRequests,
				Interval:    cfg.CircuitBreakerInterval,
				Timeout:     cfg.CircuitBreakerTimeout,
				ReadyToTrip: func(counts gobreaker.Counts) bool {
					if counts.Requests < cfg.CircuitBreakerMinRequests {
						return false
					}
					failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
					return failureRatio >= cfg.CircuitBreakerRatio
				},
				OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
					slog.Info("Circuit breaker state changed", "target", name, "from", from.String(), "to", to.String())

					var stateValue float64
					switch to {
					case gobreaker.StateClosed:
						stateValue = float64(metrics.CircuitBreakerClosed)
					case gobreaker.StateOpen:
						stateValue = float64(metrics.CircuitBreakerOpen)
						metrics.MediatorCircuitBreakerTrips.WithLabelValues(name).Inc()
					case gobreaker.StateHalfOpen:
						stateValue = float64(metrics.CircuitBreakerHalfOpen)
					}
					metrics.MediatorCircuitBreakerState.WithLabelValues(name).Set(stateValue)
				},
			}
		}
	}

	return m
}

// breakerFor returns (creating if necessary) the circuit breaker for a target host.
func (m *HTTPMediator) breakerFor(target string) *gobreaker.CircuitBreaker {
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}

	m.breakersMu.Lock()
	defer m.breakersMu.Unlock()

	if b, ok := m.breakers[host]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(m.breakerSettings(host))
	m.breakers[host] = b
	return b
}

// Process performs one egress call for a pointer and classifies the outcome.
// It never returns a nil result; on internal failure it returns ERROR_SERVER.
func (m *HTTPMediator) Process(msg *pool.MessagePointer) *pool.MediationOutcome {
	if msg == nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: errors.New("nil message")}
	}

	targetURL := msg.MediationTarget
	if targetURL == "" {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: errors.New("no target URL")}
	}

	if !m.breakersEnabled {
		return m.executeOnce(msg)
	}

	breaker := m.breakerFor(targetURL)
	result, err := breaker.Execute(func() (interface{}, error) {
		outcome := m.executeOnce(msg)
		if outcome.Result != pool.MediationResultSuccess && outcome.Result != pool.MediationResultErrorConfig {
			// Feed the breaker's failure ratio with transient outcomes only;
			// permanent misconfiguration isn't the downstream's fault.
			return outcome, outcome.Error
		}
		return outcome, nil
	})

	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			slog.Warn("Circuit breaker open", "messageId", msg.ID, "target", targetURL)
			return &pool.MediationOutcome{Result: pool.MediationResultErrorTransport, Error: err}
		}
	}

	if outcome, ok := result.(*pool.MediationOutcome); ok {
		return outcome
	}
	return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, Error: errors.New("mediator: unexpected breaker result")}
}

// executeOnce performs a single HTTP request: POST to mediationTarget,
// Authorization: Bearer <authToken> when present, headers forwarded verbatim.
func (m *HTTPMediator) executeOnce(msg *pool.MessagePointer) *pool.MediationOutcome {
	targetURL := msg.MediationTarget

	timeout := m.timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if msg.TimeoutSeconds > 0 {
		timeout = time.Duration(msg.TimeoutSeconds) * time.Second
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	contentType := "application/json"
	if ct, ok := msg.Headers["Content-Type"]; ok && ct != "" {
		contentType = ct
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, targetURL, bytes.NewReader(msg.Payload))
	if err != nil {
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, Error: err}
	}

	req.Header.Set("Content-Type", contentType)
	for k, v := range msg.Headers {
		if strings.EqualFold(k, "Host") || strings.EqualFold(k, "Content-Length") {
			continue
		}
		req.Header.Set(k, v)
	}
	if msg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+msg.AuthToken)
	}

	slog.Debug("Executing HTTP request", "messageId", msg.ID, "target", targetURL)

	start := time.Now()
	resp, err := m.client.Do(req)
	duration := time.Since(start)
	metrics.MediatorHTTPDuration.WithLabelValues(targetURL).Observe(duration.Seconds())

	if err != nil {
		metrics.MediatorHTTPRequests.WithLabelValues("error", "POST").Inc()
		return m.classifyTransportError(msg, err)
	}
	defer resp.Body.Close()

	metrics.MediatorHTTPRequests.WithLabelValues(strconv.Itoa(resp.StatusCode), "POST").Inc()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	slog.Debug("HTTP response received", "messageId", msg.ID, "statusCode", resp.StatusCode, "bodyLen", len(body), "duration", duration)

	return m.classifyResponse(msg, resp.StatusCode, body)
}

// classifyTransportError distinguishes a request timeout from other
// DNS/TCP/TLS transport failures.
func (m *HTTPMediator) classifyTransportError(msg *pool.MessagePointer, err error) *pool.MediationOutcome {
	if errors.Is(err, context.DeadlineExceeded) {
		slog.Warn("Request timeout", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorTimeout, Error: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		slog.Warn("Request timeout", "messageId", msg.ID, "error", err)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorTimeout, Error: err}
	}

	slog.Warn("Transport error", "messageId", msg.ID, "error", err)
	return &pool.MediationOutcome{Result: pool.MediationResultErrorTransport, Error: err}
}

// classifyResponse applies the status-code routing table:
// 2xx -> SUCCESS; 404/410 -> ERROR_CONFIG; 408/429/5xx -> ERROR_SERVER;
// other 4xx -> ERROR_CLIENT.
func (m *HTTPMediator) classifyResponse(msg *pool.MessagePointer, statusCode int, body []byte) *pool.MediationOutcome {
	if statusCode >= 200 && statusCode < 300 {
		ack := parseAckFromResponse(body)
		if ack != nil && !*ack {
			delay := parseDelayFromResponse(body)
			slog.Info("Response ack=false, will retry", "messageId", msg.ID, "statusCode", statusCode)
			return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: statusCode, ResponseAck: ack, Delay: delay}
		}
		return &pool.MediationOutcome{Result: pool.MediationResultSuccess, StatusCode: statusCode}
	}

	if statusCode == 404 || statusCode == 410 {
		slog.Error("Permanent misconfiguration", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorConfig, StatusCode: statusCode}
	}

	if statusCode == 408 || statusCode == 429 {
		delay := parseDelayFromResponse(body)
		if delay == nil && statusCode == 429 {
			d := 5 * time.Second
			delay = &d
		}
		return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: statusCode, Delay: delay}
	}

	if statusCode >= 400 && statusCode < 500 {
		slog.Warn("Client error", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorClient, StatusCode: statusCode}
	}

	if statusCode >= 500 {
		slog.Warn("Server error", "messageId", msg.ID, "statusCode", statusCode)
		return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: statusCode}
	}

	return &pool.MediationOutcome{Result: pool.MediationResultErrorServer, StatusCode: statusCode}
}

func parseAckFromResponse(body []byte) *bool {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		Ack *bool `json:"ack"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	return response.Ack
}

func parseDelayFromResponse(body []byte) *time.Duration {
	if len(body) == 0 {
		return nil
	}
	var response struct {
		DelaySeconds *int `json:"delaySeconds"`
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return nil
	}
	if response.DelaySeconds != nil && *response.DelaySeconds > 0 {
		d := time.Duration(*response.DelaySeconds) * time.Second
		return &d
	}
	return nil
}
