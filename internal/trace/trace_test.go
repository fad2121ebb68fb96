package trace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/aiproxy-dev/relay/internal/config"
	"github.com/aiproxy-dev/relay/internal/domain"
	"github.com/aiproxy-dev/relay/internal/store"
)

type fakeRepo struct {
	store.Repository
	mu     sync.Mutex
	traces []*domain.ProxyTrace
}

func (f *fakeRepo) InsertTrace(ctx context.Context, t *domain.ProxyTrace) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.traces = append(f.traces, t)
	return nil
}

func (f *fakeRepo) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.traces)
}

func TestAccumulatorBuild(t *testing.T) {
	a, _ := New(context.Background(), "req-1", "POST", "/v1/chat/completions", 7, 2)
	a.Mark(PhaseAuthentication)
	a.Mark(PhaseUpstreamConnection)
	a.SetCredential(42, 3)

	prompt := int64(100)
	usage := &domain.UsageSnapshot{PromptTokens: &prompt}
	cost := 0.002

	got := a.Build(200, true, nil, nil, usage, &cost, "")
	if got.UserServiceApiID != 7 {
		t.Errorf("UserServiceApiID = %d, want 7", got.UserServiceApiID)
	}
	if got.UserProviderKeyID == nil || *got.UserProviderKeyID != 42 {
		t.Errorf("UserProviderKeyID = %v, want 42", got.UserProviderKeyID)
	}
	if got.TokensPrompt == nil || *got.TokensPrompt != 100 {
		t.Errorf("TokensPrompt = %v, want 100", got.TokensPrompt)
	}
	if got.CostCurrency != "USD" {
		t.Errorf("CostCurrency = %q, want USD", got.CostCurrency)
	}
	if got.PhasesJSON == nil {
		t.Error("expected PhasesJSON to be populated at trace level 2")
	}
}

func TestWriterDropsOldestOnOverflow(t *testing.T) {
	cfg := config.TraceConfig{Enabled: true, SamplingRate: 1, MaxBatchSize: 2, FlushInterval: time.Hour}
	w := NewWriter(&fakeRepo{}, cfg)
	// capacity is MaxBatchSize*4 = 8; enqueue well past it without a
	// consumer running and confirm it never blocks.
	for i := 0; i < 50; i++ {
		w.Enqueue(&domain.ProxyTrace{RequestID: "x"})
	}
	if w.Dropped() == 0 {
		t.Error("expected some traces to be dropped under overflow")
	}
}

func TestWriterFlushesOnInterval(t *testing.T) {
	repo := &fakeRepo{}
	cfg := config.TraceConfig{Enabled: true, SamplingRate: 1, MaxBatchSize: 10, FlushInterval: 10 * time.Millisecond}
	w := NewWriter(repo, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	w.Enqueue(&domain.ProxyTrace{RequestID: "a"})
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	if repo.count() != 1 {
		t.Errorf("count = %d, want 1", repo.count())
	}
}

func TestSampleRespectsRateAndLevel(t *testing.T) {
	w := NewWriter(&fakeRepo{}, config.TraceConfig{Enabled: true, SamplingRate: 1})
	if !w.Sample(1) {
		t.Error("expected sample at rate 1")
	}
	if w.Sample(0) {
		t.Error("expected no sample at trace level 0")
	}
	w2 := NewWriter(&fakeRepo{}, config.TraceConfig{Enabled: true, SamplingRate: 0})
	if w2.Sample(1) {
		t.Error("expected no sample at rate 0")
	}
}
