package proxy

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aiproxy-dev/relay/internal/cache"
	"github.com/aiproxy-dev/relay/internal/domain"
)

// QuotaExceeded names which limit a request tripped, for the trace
// record and the 429 body.
type QuotaExceeded string

const (
	QuotaRequestsPerMinute QuotaExceeded = "max_request_per_min"
	QuotaRequestsPerDay    QuotaExceeded = "max_requests_per_day"
	QuotaTokensPerDay      QuotaExceeded = "max_tokens_per_day"
	QuotaCostPerDay        QuotaExceeded = "max_cost_per_day"
)

// QuotaGate enforces a UserServiceApi's per-minute/per-day request,
// token, and cost limits against counters held in the cache, so a hot
// tenant never costs a database read on every request.
type QuotaGate struct {
	c cache.Cache
}

func NewQuotaGate(c cache.Cache) *QuotaGate {
	return &QuotaGate{c: c}
}

// CheckRequest enforces the two request-count limits before the
// upstream call is made; it increments both counters as a side effect
// so a request that passes is already counted.
func (g *QuotaGate) CheckRequest(ctx context.Context, api *domain.UserServiceApi) (QuotaExceeded, error) {
	now := time.Now().UTC()

	if api.MaxRequestPerMin != nil {
		minuteKey := fmt.Sprintf("quota:req_min:%d:%s", api.ID, now.Format("200601021504"))
		n, err := g.increment(ctx, minuteKey, time.Minute)
		if err != nil {
			return "", err
		}
		if n > int64(*api.MaxRequestPerMin) {
			return QuotaRequestsPerMinute, nil
		}
	}

	if api.MaxRequestsPerDay != nil {
		dayKey := fmt.Sprintf("quota:req_day:%d:%s", api.ID, now.Format("20060102"))
		n, err := g.increment(ctx, dayKey, 25*time.Hour)
		if err != nil {
			return "", err
		}
		if n > int64(*api.MaxRequestsPerDay) {
			return QuotaRequestsPerDay, nil
		}
	}

	return "", nil
}

// CheckDailyTotals is consulted before allowing a request through,
// checking accumulated token/cost totals from prior completed requests
// this UTC day. Accounting happens using cost known at completion, so
// this only blocks requests that would start after a prior one already
// pushed the tenant over.
func (g *QuotaGate) CheckDailyTotals(ctx context.Context, api *domain.UserServiceApi) (QuotaExceeded, error) {
	now := time.Now().UTC()
	day := now.Format("20060102")

	if api.MaxTokensPerDay != nil {
		v, err := g.read(ctx, fmt.Sprintf("quota:tokens_day:%d:%s", api.ID, day))
		if err != nil {
			return "", err
		}
		if v >= *api.MaxTokensPerDay {
			return QuotaTokensPerDay, nil
		}
	}

	if api.MaxCostPerDay != nil {
		v, err := g.readFloat(ctx, costKey(api.ID, day))
		if err != nil {
			return "", err
		}
		if v >= *api.MaxCostPerDay {
			return QuotaCostPerDay, nil
		}
	}

	return "", nil
}

// RecordCompletion accumulates this request's token usage and cost
// into the rolling UTC-day counters, once the upstream interaction is
// fully known. The cost counter uses a `cost:<service_api_id>:<period>`
// key shape so per-tenant daily spend can be read back directly.
func (g *QuotaGate) RecordCompletion(ctx context.Context, apiID int64, tokens int64, cost float64) error {
	day := time.Now().UTC().Format("20060102")
	if tokens > 0 {
		if _, err := g.incrementBy(ctx, fmt.Sprintf("quota:tokens_day:%d:%s", apiID, day), tokens, 25*time.Hour); err != nil {
			return err
		}
	}
	if cost > 0 {
		if err := g.incrementFloatBy(ctx, costKey(apiID, day), cost, 25*time.Hour); err != nil {
			return err
		}
	}
	return nil
}

func costKey(apiID int64, period string) string {
	return fmt.Sprintf("cost:%d:%s", apiID, period)
}

func (g *QuotaGate) increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	return g.incrementBy(ctx, key, 1, ttl)
}

// incrementBy and incrementFloatBy delegate to the cache's atomic
// IncrBy/IncrByFloat rather than a local read-then-set, so two
// concurrent requests against the same UserServiceApi can't both read
// the same counter value and both write back the same increment,
// losing one of the two.
func (g *QuotaGate) incrementBy(ctx context.Context, key string, delta int64, ttl time.Duration) (int64, error) {
	return g.c.IncrBy(ctx, key, delta, ttl)
}

func (g *QuotaGate) incrementFloatBy(ctx context.Context, key string, delta float64, ttl time.Duration) error {
	_, err := g.c.IncrByFloat(ctx, key, delta, ttl)
	return err
}

func (g *QuotaGate) read(ctx context.Context, key string) (int64, error) {
	data, ok, err := g.c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}

func (g *QuotaGate) readFloat(ctx context.Context, key string) (float64, error) {
	data, ok, err := g.c.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return 0, nil
	}
	return v, nil
}
