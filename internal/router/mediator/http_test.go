package mediator

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.flowcatalyst.tech/internal/router/pool"
)

func TestNewHTTPMediator(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	if mediator == nil {
		t.Fatal("NewHTTPMediator returned nil")
	}
	if mediator.client == nil {
		t.Error("HTTP client is nil")
	}
}

func TestHTTPMediatorProcess_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]bool{"ack": true})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultSuccess {
		t.Errorf("Expected Success, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_NotFoundIsConfig(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for 404, got %v", outcome.Result)
	}
	if outcome.StatusCode != 404 {
		t.Errorf("Expected status code 404, got %d", outcome.StatusCode)
	}
}

func TestHTTPMediatorProcess_OtherClientErrorIsClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorClient {
		t.Errorf("Expected ErrorClient for 400, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_ServerErrorNoRetry(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorServer {
		t.Errorf("Expected ErrorServer for 500, got %v", outcome.Result)
	}

	// The mediator performs exactly one call; retries are the broker's job.
	if callCount.Load() != 1 {
		t.Errorf("Expected exactly 1 call (no internal retry), got %d", callCount.Load())
	}
}

func TestHTTPMediatorProcess_AckFalse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"ack":          false,
			"delaySeconds": 5,
		})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorServer {
		t.Errorf("Expected ErrorServer for ack=false, got %v", outcome.Result)
	}
	if outcome.Delay == nil {
		t.Error("Expected delay to be set")
	} else if *outcome.Delay != 5*time.Second {
		t.Errorf("Expected 5s delay, got %v", *outcome.Delay)
	}
}

func TestHTTPMediatorProcess_TooManyRequests(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]int{"delaySeconds": 10})
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorServer {
		t.Errorf("Expected ErrorServer for 429, got %v", outcome.Result)
	}
	if outcome.StatusCode != 429 {
		t.Errorf("Expected status code 429, got %d", outcome.StatusCode)
	}
}

func TestHTTPMediatorProcess_NilMessage(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	outcome := mediator.Process(nil)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for nil message, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_NoTargetURL(t *testing.T) {
	mediator := NewHTTPMediator(nil)

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: "",
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorConfig {
		t.Errorf("Expected ErrorConfig for empty target URL, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
		TimeoutSeconds:  0,
	}
	// Force a tight deadline via a pointer-level timeout rather than the
	// mediator-wide default, matching how the router actually drives this.
	msg.TimeoutSeconds = 0

	_ = msg
	// Use a dedicated mediator whose fallback timeout is short, since
	// TimeoutSeconds == 0 falls back to cfg.Timeout.
	shortMediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               50 * time.Millisecond,
		CircuitBreakerEnabled: false,
	})
	outcome := shortMediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorTimeout {
		t.Errorf("Expected ErrorTimeout, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_ConnectionRefused(t *testing.T) {
	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               1 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: "http://localhost:59999", // unlikely to be in use
		Payload:         []byte(`{"test": true}`),
	}

	outcome := mediator.Process(msg)

	if outcome.Result != pool.MediationResultErrorTransport {
		t.Errorf("Expected ErrorTransport for connection refused, got %v", outcome.Result)
	}
}

func TestHTTPMediatorProcess_Headers(t *testing.T) {
	var receivedHeaders http.Header

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedHeaders = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "test-1",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
		AuthToken:       "token123",
		Headers: map[string]string{
			"X-Custom-Header": "test-value",
		},
	}

	mediator.Process(msg)

	if receivedHeaders.Get("X-Custom-Header") != "test-value" {
		t.Errorf("Expected X-Custom-Header 'test-value', got '%s'", receivedHeaders.Get("X-Custom-Header"))
	}
	if receivedHeaders.Get("Authorization") != "Bearer token123" {
		t.Errorf("Expected Authorization header, got '%s'", receivedHeaders.Get("Authorization"))
	}
	if receivedHeaders.Get("Content-Type") != "application/json" {
		t.Errorf("Expected Content-Type 'application/json', got '%s'", receivedHeaders.Get("Content-Type"))
	}
}

func TestHTTPMediatorProcess_CircuitBreakerPerHost(t *testing.T) {
	var callCount atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:                   5 * time.Second,
		CircuitBreakerEnabled:     true,
		CircuitBreakerRequests:    3,
		CircuitBreakerInterval:    10 * time.Second,
		CircuitBreakerRatio:       0.5,
		CircuitBreakerTimeout:     1 * time.Second,
		CircuitBreakerMinRequests: 3,
	})

	for i := 0; i < 10; i++ {
		msg := &pool.MessagePointer{
			ID:              string(rune('a' + i)),
			MediationTarget: server.URL,
			Payload:         []byte(`{"test": true}`),
		}
		outcome := mediator.Process(msg)
		if i > 5 && outcome.Result == pool.MediationResultErrorTransport {
			// breaker tripped open, no egress call was made for this one
			continue
		}
	}

	if callCount.Load() == 10 {
		t.Log("Note: circuit breaker may not have tripped within this many requests")
	}
}

func BenchmarkHTTPMediatorProcess(b *testing.B) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	mediator := NewHTTPMediator(&HTTPMediatorConfig{
		Timeout:               5 * time.Second,
		CircuitBreakerEnabled: false,
	})

	msg := &pool.MessagePointer{
		ID:              "bench",
		MediationTarget: server.URL,
		Payload:         []byte(`{"test": true}`),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		mediator.Process(msg)
	}
}
