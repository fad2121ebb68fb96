package providertype

import (
	"testing"

	"github.com/aiproxy-dev/relay/internal/domain"
)

func TestParseEmptyConfigJSON(t *testing.T) {
	pt := &domain.ProviderType{Name: "standard"}
	cfg, err := Parse(pt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	auth := cfg.UpstreamAuth()
	if auth.Header != "Authorization" || auth.Prefix != "Bearer " {
		t.Fatalf("expected default bearer auth, got %+v", auth)
	}
	if cfg.BanSignalRegexp() != nil {
		t.Fatalf("expected nil ban signal regexp")
	}
}

func TestParseGeminiStyleAuth(t *testing.T) {
	raw := `{"upstream_auth_header":"x-goog-api-key","upstream_auth_prefix":"","ban_signal_pattern":"account.*suspended"}`
	pt := &domain.ProviderType{Name: "gemini", ConfigJSON: &raw}
	cfg, err := Parse(pt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	auth := cfg.UpstreamAuth()
	if auth.Header != "x-goog-api-key" || auth.Prefix != "" {
		t.Fatalf("unexpected auth convention: %+v", auth)
	}
	re := cfg.BanSignalRegexp()
	if re == nil || !re.MatchString("your account has been suspended") {
		t.Fatalf("expected ban signal pattern to match")
	}
}

func TestIsRetryableStatusOverride(t *testing.T) {
	raw := `{"retryable_status_codes":[529]}`
	pt := &domain.ProviderType{Name: "anthropic", ConfigJSON: &raw}
	cfg, err := Parse(pt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if override, retryable := cfg.IsRetryableStatus(529); !override || !retryable {
		t.Fatalf("expected 529 to be an overridden retryable status")
	}
	if override, _ := cfg.IsRetryableStatus(400); !override {
		t.Fatalf("expected override to report true once any codes are configured")
	}
}
