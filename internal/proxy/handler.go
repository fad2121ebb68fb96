// Package proxy implements the HTTP front-end that authenticates a
// tenant, selects an upstream credential, rewrites and forwards the
// request, and streams the response back while the usage collector,
// pricing calculator, trace writer, and health tracker observe it. The
// eight-step flow, retry loop and streaming shape resolve a per-request
// destination from the tenant's UserServiceApi rather than a single
// hardcoded upstream.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/aiproxy-dev/relay/internal/apierr"
	"github.com/aiproxy-dev/relay/internal/auth"
	"github.com/aiproxy-dev/relay/internal/cache"
	"github.com/aiproxy-dev/relay/internal/collect"
	"github.com/aiproxy-dev/relay/internal/config"
	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/health"
	"github.com/aiproxy-dev/relay/internal/identity"
	"github.com/aiproxy-dev/relay/internal/metrics"
	"github.com/aiproxy-dev/relay/internal/oauth"
	"github.com/aiproxy-dev/relay/internal/pricing"
	"github.com/aiproxy-dev/relay/internal/providertype"
	"github.com/aiproxy-dev/relay/internal/scheduler"
	"github.com/aiproxy-dev/relay/internal/store"
	"github.com/aiproxy-dev/relay/internal/trace"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

// Handler owns every collaborator the eight-step request flow touches.
type Handler struct {
	repo      store.Repository
	cache     cache.Cache
	sched     *scheduler.Scheduler
	health    *health.Manager
	oauthMgr  *oauth.Manager
	pricing   *pricing.Calculator
	traceW    *trace.Writer
	transport *TransportPool
	quota     *QuotaGate
	cfg       config.ProxyConfig
	traceCfg  config.TraceConfig
	metrics   *metrics.Metrics
	metricsH  http.Handler
	crypto    *store.Crypto
}

func NewHandler(
	repo store.Repository,
	c cache.Cache,
	sched *scheduler.Scheduler,
	hm *health.Manager,
	om *oauth.Manager,
	pc *pricing.Calculator,
	tw *trace.Writer,
	tp *TransportPool,
	cfg config.ProxyConfig,
	traceCfg config.TraceConfig,
) *Handler {
	return &Handler{
		repo: repo, cache: c, sched: sched, health: hm, oauthMgr: om,
		pricing: pc, traceW: tw, transport: tp, quota: NewQuotaGate(c),
		cfg: cfg, traceCfg: traceCfg,
	}
}

// SetCrypto attaches the store's at-rest cipher so static API-key
// credentials can be decrypted before use, the same way oauth.Manager
// already decrypts OAuth tokens. A nil crypto (the default) leaves
// UserProviderKey.APIKey as the literal upstream secret, for
// deployments or tests that never sealed it to begin with.
func (h *Handler) SetCrypto(c *store.Crypto) {
	h.crypto = c
}

// SetMetrics attaches the process's Prometheus collectors and mounts
// metricsHandler (typically promhttp.HandlerFor) at GET /metrics. A nil
// handler leaves the route unmounted.
func (h *Handler) SetMetrics(m *metrics.Metrics, metricsHandler http.Handler) {
	h.metrics = m
	h.metricsH = metricsHandler
}

// Router builds the chi mux: authenticated catch-all forwarding plus
// the liveness/readiness/metrics endpoints.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.handleHealthz)
	r.Get("/readyz", h.handleReadyz)
	if h.metricsH != nil {
		r.Handle("/metrics", h.metricsH)
	}

	authMw := auth.NewMiddleware(h.repo)
	r.With(authMw.Authenticate).HandleFunc(h.cfg.PathPrefix+"*", h.handleProxy)
	return r
}

// statusWriter records the status code ultimately written so
// handleProxy can label its request-total/duration metrics after the
// fact, without every finish* helper returning its status explicitly.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (s *statusWriter) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := h.repo.Ping(r.Context()); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"db_unavailable"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

// handleProxy runs the eight-step request flow: authentication already
// happened in the chi middleware chain by the time this runs.
func (h *Handler) handleProxy(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	requestID := uuid.NewString()

	start := time.Now()
	sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
	w = sw
	providerLabel := "unknown"
	if h.metrics != nil {
		defer func() {
			h.metrics.RequestsTotal.WithLabelValues(providerLabel, strconv.Itoa(sw.status)).Inc()
			h.metrics.RequestDuration.WithLabelValues(providerLabel).Observe(time.Since(start).Seconds())
		}()
	}

	w.Header().Set("X-Request-Id", requestID)

	api := auth.FromContext(ctx)
	tr, ctx := trace.New(ctx, requestID, r.Method, r.URL.Path, api.ID, h.traceCfg.DefaultTraceLevel)
	tr.Mark(trace.PhaseAuthentication)

	// Step 2: quota.
	tr.Mark(trace.PhaseRateLimit)
	if reason, err := h.quota.CheckRequest(ctx, api); err != nil {
		h.finishError(w, tr, http.StatusInternalServerError, "api_error", "quota check failed", err)
		return
	} else if reason != "" {
		h.finishQuotaExceeded(w, tr, reason)
		return
	}
	if reason, err := h.quota.CheckDailyTotals(ctx, api); err != nil {
		h.finishError(w, tr, http.StatusInternalServerError, "api_error", "quota check failed", err)
		return
	} else if reason != "" {
		h.finishQuotaExceeded(w, tr, reason)
		return
	}

	providerType, err := h.repo.GetProviderType(ctx, api.ProviderTypeID)
	if err != nil {
		h.finishError(w, tr, http.StatusInternalServerError, "api_error", "unknown provider type", err)
		return
	}
	ptCfg, _ := providertype.Parse(providerType)
	providerLabel = providerType.Name

	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.finishError(w, tr, http.StatusBadRequest, "invalid_request_error", "failed to read request body", err)
		return
	}

	teeLen := int64(len(body))
	if h.cfg.BodyTeeCap > 0 && teeLen > h.cfg.BodyTeeCap {
		teeLen = h.cfg.BodyTeeCap
	}
	sessionKey, hasSession := sessionBindKey(body[:teeLen])
	var boundCredentialID *int64
	if hasSession {
		if id, ok := h.lookupStickySession(ctx, sessionKey); ok {
			boundCredentialID = &id
		}
	}

	excluded := make(map[int64]struct{})
	var lastErr error
	retries := api.RetryCount
	if retries < 0 {
		retries = 0
	}

	for attempt := 0; attempt <= retries; attempt++ {
		if ctx.Err() != nil {
			return
		}

		// Step 3: credential selection.
		tr.Mark(trace.PhaseLoadBalancing)
		credential, credErr := h.selectCredential(ctx, api, excluded, boundCredentialID, attempt)
		if credErr != nil {
			lastErr = credErr
			break
		}
		tr.SetCredential(credential.ID, credential.ProviderTypeID)

		upstreamToken, authErr := h.resolveCredentialSecret(ctx, providerType, credential)
		if authErr != nil {
			slog.Warn("proxy: credential auth resolution failed, excluding", "key_id", credential.ID, "error", authErr)
			excluded[credential.ID] = struct{}{}
			lastErr = authErr
			continue
		}

		// Step 4/5: rewrite + tee.
		tr.Mark(trace.PhaseUpstreamConnection)
		upReq, buildErr := h.buildUpstreamRequest(ctx, r, providerType, ptCfg, body, credential, upstreamToken)
		if buildErr != nil {
			lastErr = buildErr
			break
		}

		egress, _ := ParseEgressProxy(credential.EgressProxyJSON)
		rt := h.transport.Get(egress)
		client := &http.Client{Transport: rt, Timeout: credentialTimeout(api, h.cfg.DefaultTimeout)}

		tr.Mark(trace.PhaseRequestSending)
		resp, doErr := client.Do(upReq)
		if doErr != nil {
			slog.Warn("proxy: upstream dial failed", "key_id", credential.ID, "error", doErr)
			_, _ = h.health.RecordOutcome(ctx, credential.ID, health.Outcome{ConnectError: true, AuthType: credential.AuthType, ProviderTypeID: credential.ProviderTypeID})
			excluded[credential.ID] = struct{}{}
			lastErr = doErr
			tr.IncRetry()
			continue
		}
		tr.Mark(trace.PhaseAwaitingResponse)

		if isRetryableStatus(resp.StatusCode, ptCfg) && attempt < retries {
			errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			h.recordUpstreamOutcome(ctx, credential, resp.StatusCode, resp.Header, errBody, ptCfg)
			excluded[credential.ID] = struct{}{}
			lastErr = fmt.Errorf("proxy: upstream status %d", resp.StatusCode)
			tr.IncRetry()
			continue
		}

		h.recordUpstreamOutcome(ctx, credential, resp.StatusCode, resp.Header, nil, ptCfg)

		if hasSession && resp.StatusCode < 300 {
			h.bindStickySession(ctx, sessionKey, credential.ID)
		}

		tr.Mark(trace.PhaseResponseProcessing)
		h.forwardResponse(ctx, w, resp, providerType, tr, api)
		return
	}

	h.finishRetriesExhausted(w, tr, lastErr)
}

// selectCredential honors a sticky-session binding on the first
// attempt (when still healthy and not excluded), then falls through to
// the scheduler's normal strategy.
func (h *Handler) selectCredential(ctx context.Context, api *domain.UserServiceApi, excluded map[int64]struct{}, bound *int64, attempt int) (domain.UserProviderKey, error) {
	if attempt == 0 && bound != nil {
		if _, isExcluded := excluded[*bound]; !isExcluded {
			if k, err := h.repo.GetUserProviderKey(ctx, *bound); err == nil && k.IsActive && k.HealthStatus == domain.HealthHealthy {
				return *k, nil
			}
		}
	}
	sel, err := h.sched.Select(ctx, api, excluded)
	if err != nil {
		return domain.UserProviderKey{}, err
	}
	return sel.Credential, nil
}

// resolveCredentialSecret returns the literal value to attach upstream:
// the raw API key, or a freshly refreshed OAuth access token.
func (h *Handler) resolveCredentialSecret(ctx context.Context, pt *domain.ProviderType, c domain.UserProviderKey) (string, error) {
	if c.AuthType == domain.AuthTypeOAuth {
		token, err := h.oauthMgr.EnsureValidToken(ctx, c.APIKey)
		if err != nil {
			_, _ = h.health.RecordOutcome(ctx, c.ID, health.Outcome{OAuthRefreshFailed: true, AuthType: c.AuthType, ProviderTypeID: c.ProviderTypeID})
			return "", fmt.Errorf("proxy: refresh oauth token: %w", err)
		}
		return token, nil
	}
	if h.crypto == nil {
		return c.APIKey, nil
	}
	return h.crypto.Decrypt(c.APIKey)
}

func (h *Handler) buildUpstreamRequest(ctx context.Context, r *http.Request, pt *domain.ProviderType, ptCfg providertype.Config, body []byte, credential domain.UserProviderKey, secret string) (*http.Request, error) {
	upstreamPath := r.URL.Path
	if ptCfg.PathRewrite != "" {
		upstreamPath = ptCfg.PathRewrite
	}
	target := strings.TrimRight(pt.BaseURL, "/") + upstreamPath
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	upReq, err := http.NewRequestWithContext(ctx, r.Method, target, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("proxy: build upstream request: %w", err)
	}
	upReq.Header = identity.FilterHeaders(r.Header)
	upAuth := ptCfg.UpstreamAuth()
	if credential.AuthType == domain.AuthTypeOAuth {
		upAuth = identity.DefaultUpstreamAuth()
	}
	identity.SetUpstreamAuth(upReq.Header, upAuth, secret)
	upReq.ContentLength = int64(len(body))
	return upReq, nil
}

// recordUpstreamOutcome feeds the health tracker with this attempt's
// result, detecting a provider-declared ban signal ahead of the
// generic status-based transitions.
func (h *Handler) recordUpstreamOutcome(ctx context.Context, credential domain.UserProviderKey, statusCode int, header http.Header, body []byte, ptCfg providertype.Config) {
	outcome := health.Outcome{StatusCode: statusCode, AuthType: credential.AuthType, ProviderTypeID: credential.ProviderTypeID}

	if statusCode == 429 {
		if ra := parseRetryAfter(header.Get("Retry-After")); ra != nil {
			outcome.RetryAfter = ra
		}
	}
	if statusCode == http.StatusForbidden && len(body) > 0 {
		if re := ptCfg.BanSignalRegexp(); re != nil {
			if loc := re.FindString(string(body)); loc != "" {
				snippet := truncate(loc, 200)
				outcome.BanSignal = &snippet
			}
		}
	}

	if _, err := h.health.RecordOutcome(ctx, credential.ID, outcome); err != nil {
		slog.Error("proxy: record health outcome", "key_id", credential.ID, "error", err)
	}
}

// forwardResponse streams (or buffers) the upstream response to the
// client while the usage collector observes it for usage extraction,
// then completes the trace and pricing once the body is fully drained.
func (h *Handler) forwardResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, pt *domain.ProviderType, tr *trace.Accumulator, api *domain.UserServiceApi) {
	defer resp.Body.Close()

	for k, vals := range resp.Header {
		for _, v := range vals {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)

	contentType := resp.Header.Get("Content-Type")
	contentEncoding := resp.Header.Get("Content-Encoding")

	var pipeline *collect.Pipeline
	if collect.Eligible(contentType) {
		mappings, modelExtraction := parseExtractionConfig(pt)
		pipeline = collect.New(mappings, modelExtraction, contentType)
	}

	flusher, canFlush := w.(http.Flusher)
	reader := bufio.NewReaderSize(resp.Body, 64<<10)
	buf := make([]byte, 32<<10)
	var raw bytes.Buffer
	completed := true

	for {
		if ctx.Err() != nil {
			completed = false
			break
		}
		n, readErr := reader.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if _, err := w.Write(chunk); err != nil {
				completed = false
				break
			}
			if canFlush {
				flusher.Flush()
			}
			if pipeline != nil {
				raw.Write(chunk)
			}
		}
		if readErr != nil {
			if readErr != io.EOF {
				completed = false
			}
			break
		}
	}

	var usage domain.UsageSnapshot
	if pipeline != nil {
		decoded, ok := collect.Decompress(contentEncoding, raw.Bytes())
		if ok {
			pipeline.Write(decoded)
		}
		usage = pipeline.Finish()
	}

	var cost *float64
	if usage.Model != nil {
		if c, err := h.pricing.Cost(ctx, pt.ID, usage); err == nil {
			cost = c
		}
	}
	var costVal float64
	if cost != nil {
		costVal = *cost
	}
	_ = h.quota.RecordCompletion(ctx, api.ID, derefOrZero(usage.TotalTokens), costVal)

	tr.Mark(trace.PhaseCompleted)
	isSuccess := completed && resp.StatusCode >= 200 && resp.StatusCode < 300
	record := tr.Build(resp.StatusCode, isSuccess, nil, nil, &usage, cost, "USD")
	h.enqueueTrace(record)
}

func (h *Handler) finishError(w http.ResponseWriter, tr *trace.Accumulator, status int, errType, msg string, cause error) {
	slog.Error("proxy: "+msg, "error", cause)
	writeJSONError(w, status, errType, msg)
	errTypeCopy := errType
	errMsgCopy := msg
	record := tr.Build(status, false, &errTypeCopy, &errMsgCopy, nil, nil, "USD")
	h.enqueueTrace(record)
}

func (h *Handler) finishQuotaExceeded(w http.ResponseWriter, tr *trace.Accumulator, reason QuotaExceeded) {
	if h.metrics != nil {
		h.metrics.QuotaRejections.WithLabelValues(string(reason)).Inc()
	}
	kind := apierr.KindAuthQuota
	msg := fmt.Sprintf("quota exceeded: %s", reason)
	writeJSONError(w, kind.ProxyStatus(), "rate_limit_error", msg)
	errType := "rate_limit_error"
	record := tr.Build(kind.ProxyStatus(), false, &errType, &msg, nil, nil, "USD")
	h.enqueueTrace(record)
}

func (h *Handler) finishRetriesExhausted(w http.ResponseWriter, tr *trace.Accumulator, lastErr error) {
	msg := "no healthy upstream credential available"
	if lastErr != nil {
		slog.Error("proxy: retries exhausted", "error", lastErr)
	}
	status, body := apierr.SanitizeUpstreamError(http.StatusServiceUnavailable, []byte(msg))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	errType := "overloaded_error"
	record := tr.Build(status, false, &errType, &msg, nil, nil, "USD")
	h.enqueueTrace(record)
}

func (h *Handler) enqueueTrace(record *domain.ProxyTrace) {
	if h.traceW == nil {
		return
	}
	if !h.traceW.Sample(record.TraceLevel) {
		return
	}
	h.traceW.Enqueue(record)
}

// lookupStickySession resolves a previously bound credential for a
// session marker.
func (h *Handler) lookupStickySession(ctx context.Context, sessionKey string) (int64, bool) {
	data, ok, err := h.cache.Get(ctx, "session_bind:"+sessionKey)
	if err != nil || !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (h *Handler) bindStickySession(ctx context.Context, sessionKey string, credentialID int64) {
	_ = h.cache.Set(ctx, "session_bind:"+sessionKey, []byte(strconv.FormatInt(credentialID, 10)), 10*time.Minute)
}

// sessionBindKey extracts a stable hash for sticky-session routing from
// a JSON request body's metadata.user_id field, the OpenAI/Anthropic
// convention for correlating a conversation across requests.
func sessionBindKey(body []byte) (string, bool) {
	var parsed struct {
		Metadata struct {
			UserID string `json:"user_id"`
		} `json:"metadata"`
	}
	if json.Unmarshal(body, &parsed) != nil || parsed.Metadata.UserID == "" {
		return "", false
	}
	sum := sha256.Sum256([]byte(parsed.Metadata.UserID))
	return hex.EncodeToString(sum[:]), true
}

func parseExtractionConfig(pt *domain.ProviderType) (collect.TokenMappings, *collect.ModelExtraction) {
	var mappings collect.TokenMappings
	if pt.TokenMappingsJSON != nil {
		if m, err := collect.ParseTokenMappings(*pt.TokenMappingsJSON); err == nil {
			mappings = m
		}
	}
	var modelExtraction *collect.ModelExtraction
	if pt.ModelExtractionJSON != nil {
		var fm collect.FieldMapping
		if json.Unmarshal([]byte(*pt.ModelExtractionJSON), &fm) == nil {
			me := collect.ModelExtraction(fm)
			modelExtraction = &me
		}
	}
	return mappings, modelExtraction
}

// isRetryableStatus classifies an upstream response as worth a retry on
// a different credential: connect-class errors are handled separately
// in the caller, this covers 502/503/504 plus any provider override,
// explicitly excluding 429 (passed straight through to the caller so
// it can be reported rather than silently retried).
func isRetryableStatus(statusCode int, ptCfg providertype.Config) bool {
	if override, retryable := ptCfg.IsRetryableStatus(statusCode); override {
		return retryable
	}
	switch statusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func parseRetryAfter(v string) *time.Duration {
	if v == "" {
		return nil
	}
	if secs, err := strconv.Atoi(v); err == nil {
		d := time.Duration(secs) * time.Second
		return &d
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		return &d
	}
	return nil
}

func writeJSONError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type": "error",
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func derefOrZero(v *int64) int64 {
	if v == nil {
		return 0
	}
	return *v
}
