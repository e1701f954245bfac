package cmd

import (
	"bytes"
	"strings"
	"testing"

	"github.com/spf13/viper"

	"github.com/nocloudhq/cloudbridge/internal/config"
)

func TestRenderConfigYAMLRedactsSecrets(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Decode(v.AllSettings())
	if err != nil {
		t.Fatalf("decode defaults: %v", err)
	}
	cfg.Admin.Token = "admin-token-value"
	cfg.Storage.SigningSecret = "signing-secret-value"

	text, err := renderConfigYAML(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, secret := range []string{"admin-token-value", "signing-secret-value"} {
		if strings.Contains(text, secret) {
			t.Fatalf("rendered config leaks %q:\n%s", secret, text)
		}
	}
	for _, want := range []string{"rate_limit:", "max_requests: 10", "identifier_extractor: ip:license", "timeout: 20s", "********"} {
		if !strings.Contains(text, want) {
			t.Fatalf("rendered config missing %q:\n%s", want, text)
		}
	}
	if cfg.Admin.Token != "admin-token-value" {
		t.Fatal("rendering must not modify the config")
	}
}

func TestWriteRateLimitResetResult(t *testing.T) {
	var buf bytes.Buffer
	err := writeRateLimitResetResult("json", &buf, rateLimitResetResult{Matched: 2, Deleted: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), `"deleted": 2`) || strings.Contains(buf.String(), `"live"`) {
		t.Fatalf("unexpected json output: %s", buf.String())
	}

	buf.Reset()
	err = writeRateLimitResetResult("table", &buf, rateLimitResetResult{Matched: 4, DryRun: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(buf.String(), "Would delete 4 violation record(s)") {
		t.Fatalf("unexpected table output: %s", buf.String())
	}
}
