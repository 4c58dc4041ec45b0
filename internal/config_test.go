package internal

import (
	"strings"
	"testing"

	"github.com/starford/kiln/internal/registry"
)

func TestAuthConfig_DisabledMode(t *testing.T) {
	cfg := AuthConfig{Mode: "disabled", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled mode should pass: %v", err)
	}
	if cfg.AuthEnabled() {
		t.Error("disabled mode should not be enabled")
	}
}

func TestAuthConfig_EmptyModeDefaultsDisabled(t *testing.T) {
	cfg := AuthConfig{Mode: "", Token: ""}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty mode should default to disabled: %v", err)
	}
	if cfg.Mode != AuthModeDisabled {
		t.Errorf("mode = %q, want %q", cfg.Mode, AuthModeDisabled)
	}
}

func TestAuthConfig_TokenModeValid(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: "mysecret"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("token mode with token should pass: %v", err)
	}
	if !cfg.AuthEnabled() {
		t.Error("token mode should be enabled")
	}
}

func TestAuthConfig_TokenModeEmptyToken(t *testing.T) {
	cfg := AuthConfig{Mode: "token", Token: ""}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("token mode with empty token should fail")
	}
	if !strings.Contains(err.Error(), "token is empty") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestAuthConfig_InvalidMode(t *testing.T) {
	cfg := AuthConfig{Mode: "magic", Token: "x"}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("invalid mode should fail validation")
	}
}

func TestFullConfig_AuthValidationCalled(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Auth.Mode = "token"
	cfg.Auth.Token = ""
	err := cfg.Validate()
	if err == nil {
		t.Fatal("full config validate should catch auth error")
	}
}

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := NewDefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should be valid: %v", err)
	}
	if !cfg.Attestation.Signed() {
		t.Error("default config should sign attestations")
	}
}

func TestTemplatesConfig(t *testing.T) {
	cfg := TemplatesConfig{Root: "./t"}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("empty extension should default: %v", err)
	}
	if cfg.Extension != ".tmpl" {
		t.Errorf("extension = %q, want .tmpl", cfg.Extension)
	}

	for _, ext := range []string{"tmpl", ".a/b"} {
		cfg := TemplatesConfig{Root: "./t", Extension: ext}
		if err := cfg.Validate(); err == nil {
			t.Errorf("extension %q should fail", ext)
		}
	}

	if err := (&TemplatesConfig{}).Validate(); err == nil {
		t.Error("missing root should fail")
	}
}

func TestOutputConfig_BackupDir(t *testing.T) {
	cfg := OutputConfig{Root: "."}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.BackupDir != ".kiln/backups" {
		t.Errorf("backup dir = %q", cfg.BackupDir)
	}

	for _, dir := range []string{"/tmp/backups", "../backups"} {
		cfg := OutputConfig{Root: ".", BackupDir: dir}
		if err := cfg.Validate(); err == nil {
			t.Errorf("backup dir %q should fail", dir)
		}
	}
}

func TestAttestationConfig(t *testing.T) {
	cfg := AttestationConfig{}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Anchor != AnchorNone || cfg.Signed() {
		t.Errorf("zero config = %+v", cfg)
	}
	if err := (&AttestationConfig{Anchor: "chain"}).Validate(); err == nil {
		t.Error("unknown anchor should fail")
	}
}

func TestFullConfig_VariableDefinitions(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Variables = map[string]registry.Definition{
		"port": {Type: registry.TypeNumber, Default: 8080},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("valid variables: %v", err)
	}

	cfg.Variables["bad"] = registry.Definition{Pattern: "(unclosed"}
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "variables.bad") {
		t.Errorf("expected variables.bad error, got %v", err)
	}
}

func TestHTTPConfig_Port(t *testing.T) {
	for _, port := range []int{0, 70000} {
		cfg := HTTPConfig{Port: port}
		if err := cfg.Validate(); err == nil {
			t.Errorf("port %d should fail", port)
		}
	}
	cfg := HTTPConfig{Port: 9000}
	if cfg.Address() != ":9000" {
		t.Errorf("address = %q", cfg.Address())
	}
}
