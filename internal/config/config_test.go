package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAPIDefaults(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/blast")
	cfg := LoadAPI()

	if cfg.Port != "8080" || cfg.Store != StorePostgres || cfg.ResumeMode != "skip_attempted" {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	p := cfg.PacingDefaults()
	if p.MinDelay != 3*time.Second || p.MaxDelay != 8*time.Second || p.MaxPerEndpoint != 50 {
		t.Fatalf("unexpected pacing defaults %+v", p)
	}
	if o := cfg.PoolOptions(); o.MaxConns != 10 || o.MaxConnLifetime != 30*time.Minute {
		t.Fatalf("unexpected pool options %+v", o)
	}
	if ls := cfg.LaneSettings(); ls.RPS != 1 || ls.CallTimeout != 15*time.Second {
		t.Fatalf("unexpected lane settings %+v", ls)
	}
}

func TestLoadAPIRequiresDSNForPostgres(t *testing.T) {
	t.Setenv("DB_DSN", "")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without DB_DSN")
		}
	}()
	LoadAPI()
}

func TestMemoryStoreNeedsNoDSN(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("DISPATCH_STORE", "memory")
	if cfg := LoadAPI(); cfg.Store != StoreMemory {
		t.Fatalf("unexpected store %q", cfg.Store)
	}
}

func TestLoadDispatcherRequiresQueue(t *testing.T) {
	t.Setenv("DB_DSN", "postgres://localhost/blast")
	t.Setenv("SQS_QUEUE_URL", "")
	os.Unsetenv("SQS_QUEUE_URL")
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic without SQS_QUEUE_URL")
		}
	}()
	LoadDispatcher()
}

func TestLoadDotEnvDoesNotOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("LANE_RPS=7\nPORT=1234\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv("PORT", "8888")
	t.Setenv("DB_DSN", "postgres://localhost/blast")
	os.Unsetenv("LANE_RPS")
	t.Cleanup(func() { os.Unsetenv("LANE_RPS") })

	LoadDotEnv(path)
	cfg := LoadAPI()
	if cfg.Port != "8888" || cfg.LaneRPS != 7 {
		t.Fatalf("unexpected config port=%s rps=%v", cfg.Port, cfg.LaneRPS)
	}
}
