package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/Hirtol/small-talk-sub000/internal/config"
)

func TestLoadFromReader_Defaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dirs.AppDataDir == "" {
		t.Error("expected a default appdata_dir")
	}
	if cfg.App.Port == 0 {
		t.Error("expected a default app port")
	}
}

func TestValidate_TTSBackendRequiresInstancePathAndTimeout(t *testing.T) {
	t.Parallel()
	yaml := `
dirs:
  appdata_dir: /tmp/appdata
tts:
  xtts:
    enabled: true
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for enabled TTS backend missing instance_path/timeout")
	}
	if !strings.Contains(err.Error(), "instance_path") {
		t.Errorf("error should mention instance_path, got: %v", err)
	}
}

func TestValidate_RVCTimeoutCeiling(t *testing.T) {
	t.Parallel()
	yaml := `
dirs:
  appdata_dir: /tmp/appdata
rvc:
  fast:
    enabled: true
    local_path: /opt/rvc
    timeout: 60s
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for RVC timeout exceeding the 40s ceiling")
	}
	if !strings.Contains(err.Error(), "40s") {
		t.Errorf("error should mention the 40s ceiling, got: %v", err)
	}
}

func TestValidate_RVCKeyMustBeFastOrHighQuality(t *testing.T) {
	t.Parallel()
	yaml := `
dirs:
  appdata_dir: /tmp/appdata
rvc:
  turbo:
    enabled: false
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for invalid rvc key")
	}
}

func TestValidate_AppDataDirRequired(t *testing.T) {
	t.Parallel()
	yaml := `
dirs:
  appdata_dir: ""
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected error for empty appdata_dir")
	}
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.Load("/nonexistent/path/to/config.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dirs.AppDataDir == "" {
		t.Error("expected default appdata_dir on missing file")
	}
}

func TestApplyEnvOverrides_AppDataDir(t *testing.T) {
	t.Setenv("SMALLTALK_DIRS_APPDATA_DIR", "/custom/appdata")
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Dirs.AppDataDir != "/custom/appdata" {
		t.Errorf("appdata_dir = %q, want /custom/appdata", cfg.Dirs.AppDataDir)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	yaml := `
dirs:
  appdata_dir: /tmp/appdata
tts:
  xtts:
    enabled: true
    instance_path: /opt/xtts
    timeout: 30s
rvc:
  fast:
    enabled: true
    local_path: /opt/seedvc
    timeout: 20s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.TTS["xtts"].Timeout != 30*time.Second {
		t.Errorf("xtts timeout = %v, want 30s", cfg.TTS["xtts"].Timeout)
	}
}
