package dispatcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pipeweave/pipeweave/internal/domain"
	"github.com/pipeweave/pipeweave/internal/platform/resilience"
)

// DispatchPayload is the wire shape sent to a worker on task dispatch.
type DispatchPayload struct {
	RunID            string                        `json:"runId"`
	TaskID           string                        `json:"taskId"`
	CodeVersion      int                           `json:"codeVersion"`
	CodeHash         string                        `json:"codeHash"`
	InputPath        string                        `json:"inputPath"`
	UpstreamRefs     map[string]domain.UpstreamRef `json:"upstreamRefs,omitempty"`
	StorageToken     string                        `json:"storageToken"`
	Attempt          int                           `json:"attempt"`
	PreviousAttempts []domain.AttemptRecord         `json:"previousAttempts"`
	Metadata         map[string]any                `json:"metadata,omitempty"`
}

// storageTokenClaims is the signed credential a worker presents to the
// blob store; the core produces it but never interprets it beyond signing.
type storageTokenClaims struct {
	RunID  string `json:"runId"`
	TaskID string `json:"taskId"`
	jwt.RegisteredClaims
}

// Transport invokes a registered worker's HTTP endpoint with a connection
// pool tuned the way the teacher's HTTPTaskExecutor tunes its client, plus
// a per-worker circuit breaker, a per-worker hybrid rate limiter, and a
// signed storage token the worker uses to read its input and write its
// output directly against the blob store.
type Transport struct {
	client    *http.Client
	secretKey []byte

	breakersMu sync.Mutex
	breakers   map[string]*resilience.CircuitBreaker

	limitersMu sync.Mutex
	limiters   map[string]*resilience.HybridRateLimiter

	tracer trace.Tracer
}

// NewTransport builds a Transport. secretKey signs the storage token; it
// is opaque to the core beyond that.
func NewTransport(secretKey []byte) *Transport {
	return &Transport{
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		secretKey: secretKey,
		breakers:  make(map[string]*resilience.CircuitBreaker),
		limiters:  make(map[string]*resilience.HybridRateLimiter),
		tracer:    otel.Tracer("pipeweave-dispatcher"),
	}
}

func (t *Transport) breakerFor(baseURL string) *resilience.CircuitBreaker {
	t.breakersMu.Lock()
	defer t.breakersMu.Unlock()
	cb, ok := t.breakers[baseURL]
	if !ok {
		cb = resilience.NewCircuitBreakerAdaptive(30*time.Second, 10, 5, 0.5, 10*time.Second, 3)
		t.breakers[baseURL] = cb
	}
	return cb
}

// limiterFor paces dispatch volume per worker baseURL: a burst of up to 20
// dispatches goes straight through, refilling at 10/s, with up to 50 more
// queued and released every 50ms rather than rejected outright — smoothing
// a pipeline's fan-out against one worker service's real capacity, a
// different concern from the circuit breaker's failure isolation.
func (t *Transport) limiterFor(baseURL string) *resilience.HybridRateLimiter {
	t.limitersMu.Lock()
	defer t.limitersMu.Unlock()
	rl, ok := t.limiters[baseURL]
	if !ok {
		rl = resilience.NewHybridRateLimiter(20, 10, 50, 50*time.Millisecond)
		t.limiters[baseURL] = rl
	}
	return rl
}

// Close stops every per-baseURL HybridRateLimiter's background workers.
// Intended to run once at process shutdown alongside the rest of the
// dispatcher's teardown.
func (t *Transport) Close() {
	t.limitersMu.Lock()
	defer t.limitersMu.Unlock()
	for _, rl := range t.limiters {
		rl.Stop()
	}
}

func (t *Transport) signStorageToken(runID, taskID string, ttl time.Duration) (string, error) {
	claims := storageTokenClaims{
		RunID:  runID,
		TaskID: taskID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secretKey)
}

// Dispatch POSTs the task payload to baseURL/tasks/dispatch. It returns an
// error only for transport-level failures (unreachable, non-2xx, breaker
// open); a worker-reported failure arrives later via the callback route,
// not from this call.
func (t *Transport) Dispatch(ctx context.Context, baseURL string, run domain.TaskRun) error {
	ctx, span := t.tracer.Start(ctx, "dispatch.send", trace.WithAttributes(
		attribute.String("taskId", run.TaskID),
		attribute.String("runId", run.ID),
	))
	defer span.End()

	cb := t.breakerFor(baseURL)
	if !cb.Allow() {
		return fmt.Errorf("circuit open for worker %s", baseURL)
	}

	if err := t.limiterFor(baseURL).AllowOrWait(ctx); err != nil {
		return fmt.Errorf("rate limited dispatch to %s: %w", baseURL, err)
	}

	token, err := t.signStorageToken(run.ID, run.TaskID, 1*time.Hour)
	if err != nil {
		cb.RecordResult(false)
		return fmt.Errorf("sign storage token: %w", err)
	}

	payload := DispatchPayload{
		RunID:            run.ID,
		TaskID:           run.TaskID,
		CodeVersion:      run.CodeVersion,
		CodeHash:         run.CodeHash,
		InputPath:        run.InputPath,
		UpstreamRefs:     run.UpstreamRefs,
		StorageToken:     token,
		Attempt:          run.Attempt,
		PreviousAttempts: run.PreviousAttempts,
		Metadata:         run.Metadata,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		cb.RecordResult(false)
		return fmt.Errorf("marshal dispatch payload: %w", err)
	}

	// Two quick, jittered attempts absorb a transient connection blip before
	// the circuit breaker sees a failure; this is distinct from
	// RetryManager's scheduled-retry-as-new-attempt path, which only kicks
	// in once the transport itself has given up.
	resp, err := resilience.Retry(ctx, 2, 100*time.Millisecond, func() (*http.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/tasks/dispatch", bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build dispatch request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		otel.GetTextMapPropagator().Inject(ctx, &headerCarrier{req.Header})

		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("dispatch to %s: %w", baseURL, err)
		}
		if resp.StatusCode >= 300 {
			resp.Body.Close()
			return nil, fmt.Errorf("worker %s returned status %d", baseURL, resp.StatusCode)
		}
		return resp, nil
	})
	if err != nil {
		cb.RecordResult(false)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	cb.RecordResult(true)
	return nil
}

type headerCarrier struct{ header http.Header }

func (hc *headerCarrier) Get(key string) string     { return hc.header.Get(key) }
func (hc *headerCarrier) Set(key, val string)        { hc.header.Set(key, val) }
func (hc *headerCarrier) Keys() []string {
	keys := make([]string, 0, len(hc.header))
	for k := range hc.header {
		keys = append(keys, k)
	}
	return keys
}
