// Package trace implements per-request trace accumulation and an
// async batched writer to the ProxyTrace table. The writer's queue is a
// bounded, drop-oldest-on-overflow ring buffer feeding a single
// consumer, so a slow or stalled database write never blocks request
// handling.
package trace

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aiproxy-dev/relay/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// Phase names one step of the request lifecycle a trace can time.
type Phase string

const (
	PhaseAuthentication     Phase = "authentication"
	PhaseRateLimit          Phase = "rate_limit"
	PhaseLoadBalancing      Phase = "load_balancing"
	PhaseUpstreamConnection Phase = "upstream_connection"
	PhaseRequestSending     Phase = "request_sending"
	PhaseAwaitingResponse   Phase = "awaiting_response"
	PhaseResponseProcessing Phase = "response_processing"
	PhaseCompleted          Phase = "completed"
)

// Accumulator collects one request's trace data as the proxy's request
// handler progresses through it. Not safe for concurrent use; the proxy
// owns exactly one Accumulator per in-flight request.
type Accumulator struct {
	start  time.Time
	marks  map[Phase]time.Time
	order  []Phase
	levels int

	userServiceApiID int64
	providerTypeID   *int64
	credentialID     *int64
	requestID        string
	method           string
	path             string
	userID           *int64
	clientIP         *string
	userAgent        *string
	retryCount       int

	span oteltrace.Span
}

// New starts an accumulator for one request, along with an OpenTelemetry
// span that mirrors its phase marks; callers should use the returned
// context for anything downstream that creates its own child spans.
// traceLevel controls how much detail Build embeds: 0 records nothing,
// 1 records the summary row without a phase breakdown, 2 includes
// PhasesJSON (and is also the threshold for emitting span events, since
// both exist to answer "where did the time go").
func New(ctx context.Context, requestID, method, path string, userServiceApiID int64, traceLevel int) (*Accumulator, context.Context) {
	spanCtx, span := startSpan(ctx, "proxy.request")
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("http.method", method),
		attribute.String("http.path", path),
		attribute.Int64("user_service_api_id", userServiceApiID),
	)
	a := &Accumulator{
		start:            time.Now(),
		marks:            make(map[Phase]time.Time, 8),
		userServiceApiID: userServiceApiID,
		requestID:        requestID,
		method:           method,
		path:             path,
		levels:           traceLevel,
		span:             span,
	}
	return a, spanCtx
}

// Mark records the time the given phase was reached, relative to the
// accumulator's start, and mirrors it as a span event.
func (a *Accumulator) Mark(p Phase) {
	if a.levels < 2 {
		return
	}
	if _, ok := a.marks[p]; !ok {
		a.order = append(a.order, p)
	}
	a.marks[p] = time.Now()
	a.span.AddEvent(string(p))
}

func (a *Accumulator) SetCredential(keyID int64, providerTypeID int64) {
	a.credentialID = &keyID
	a.providerTypeID = &providerTypeID
}

func (a *Accumulator) SetClient(userID *int64, clientIP, userAgent *string) {
	a.userID = userID
	a.clientIP = clientIP
	a.userAgent = userAgent
}

func (a *Accumulator) IncRetry() { a.retryCount++ }

// Build produces the final ProxyTrace row. usage and cost may be nil
// when usage extraction or pricing could not produce anything for
// this request.
func (a *Accumulator) Build(statusCode int, isSuccess bool, errType, errMsg *string, usage *domain.UsageSnapshot, cost *float64, costCurrency string) *domain.ProxyTrace {
	end := time.Now()
	durationMs := end.Sub(a.start).Milliseconds()

	a.span.SetAttributes(attribute.Int("http.status_code", statusCode))
	if isSuccess {
		a.span.SetStatus(codes.Ok, "")
	} else {
		msg := ""
		if errMsg != nil {
			msg = *errMsg
		}
		a.span.SetStatus(codes.Error, msg)
	}
	a.span.End()

	t := &domain.ProxyTrace{
		UserServiceApiID: a.userServiceApiID,
		UserProviderKeyID: a.credentialID,
		RequestID:         a.requestID,
		Method:            a.method,
		Path:              a.path,
		StatusCode:        &statusCode,
		CostCurrency:      costCurrency,
		UserID:            a.userID,
		ClientIP:          a.clientIP,
		UserAgent:         a.userAgent,
		ErrorType:         errType,
		ErrorMessage:      errMsg,
		RetryCount:        a.retryCount,
		ProviderTypeID:    a.providerTypeID,
		StartTime:         a.start,
		EndTime:           &end,
		DurationMs:        &durationMs,
		IsSuccess:         isSuccess,
		TraceLevel:        a.levels,
		Cost:              cost,
	}
	if costCurrency == "" {
		t.CostCurrency = "USD"
	}

	if usage != nil {
		t.TokensPrompt = toIntPtr(usage.PromptTokens)
		t.TokensCompletion = toIntPtr(usage.CompletionTokens)
		t.TokensTotal = toIntPtr(usage.TotalTokens)
		t.CacheCreateTokens = toIntPtr(usage.CacheCreateTokens)
		t.CacheReadTokens = toIntPtr(usage.CacheReadTokens)
		t.ModelUsed = usage.Model
	}

	if a.levels >= 2 && len(a.order) > 0 {
		offsets := make(map[Phase]int64, len(a.order))
		for _, p := range a.order {
			offsets[p] = a.marks[p].Sub(a.start).Milliseconds()
		}
		if b, err := json.Marshal(offsets); err == nil {
			s := string(b)
			t.PhasesJSON = &s
		}
	}

	return t
}

func toIntPtr(v *int64) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}
