package config

import (
	"testing"

	"github.com/tradeforge/options-engine/pkg/types"
)

func setRequired(t *testing.T) {
	t.Setenv("HMAC_SECRET", "test-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/engine_test?sslmode=disable")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.AppMode != types.ModePaper {
		t.Errorf("default APP_MODE = %s, want PAPER", cfg.AppMode)
	}
	if cfg.AllowLiveExecution {
		t.Error("ALLOW_LIVE_EXECUTION should default to false")
	}
	if cfg.PreferredBroker != "tradier" {
		t.Errorf("default PREFERRED_BROKER = %s", cfg.PreferredBroker)
	}
	if cfg.LiveRequested() {
		t.Error("LiveRequested should be false by default")
	}
}

func TestLoadLiveRequiresBothFlags(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_MODE", "LIVE")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LiveRequested() {
		t.Error("APP_MODE=LIVE alone must not request live execution")
	}

	t.Setenv("ALLOW_LIVE_EXECUTION", "true")
	cfg, err = Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.LiveRequested() {
		t.Error("both flags set should request live execution")
	}
}

func TestLoadRejectsBadMode(t *testing.T) {
	setRequired(t)
	t.Setenv("APP_MODE", "YOLO")

	if _, err := Load(); err == nil {
		t.Fatal("Load should reject APP_MODE=YOLO")
	}
}

func TestLoadRequiresSecrets(t *testing.T) {
	t.Setenv("HMAC_SECRET", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/x")

	if _, err := Load(); err == nil {
		t.Fatal("Load should require HMAC_SECRET")
	}
}
