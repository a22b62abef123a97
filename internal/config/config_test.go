package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"
)

const minimalConfig = `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  access_token: secret
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mxbot.yaml", minimalConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Version != CurrentVersion {
		t.Errorf("Version = %d", cfg.Version)
	}
	if cfg.Matrix.ReconnectBackoff != 5*time.Second {
		t.Errorf("ReconnectBackoff = %v", cfg.Matrix.ReconnectBackoff)
	}
	if len(cfg.Commands.Prefixes) != 1 || cfg.Commands.Prefixes[0] != "!" {
		t.Errorf("Prefixes = %v", cfg.Commands.Prefixes)
	}
	if !cfg.Commands.ReplyOnErrorEnabled() {
		t.Error("ReplyOnError should default to true")
	}
	if cfg.Store.TimelineLimit != 10 || cfg.Store.MaintenanceSchedule != "@every 5m" {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q", cfg.Metrics.Path)
	}
}

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, "mxbot.yaml", `
version: 1
matrix:
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  access_token: secret
  join_on_invite: true
  reconnect_backoff: 30s
  allowed_rooms: ["!ops:example.org"]
commands:
  prefix_pattern: '(?i)bot[,:]?\s+'
  owner: "@alice:example.org"
  case_sensitive: true
  reply_on_error: false
store:
  path: /var/lib/mxbot/sync.db
  resolve_state: true
  compress: true
  timeline_limit: 25
  important_events: [m.room.name, m.room.topic]
  maintenance_schedule: "0 3 * * *"
logging:
  level: debug
  format: text
metrics:
  listen: ":9090"
observability:
  tracing:
    enabled: true
    endpoint: localhost:4317
    sampling_rate: 0.25
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.ReconnectBackoff != 30*time.Second || !cfg.Matrix.JoinOnInvite {
		t.Errorf("Matrix = %+v", cfg.Matrix)
	}
	if cfg.Commands.ReplyOnErrorEnabled() {
		t.Error("reply_on_error: false was ignored")
	}
	if len(cfg.Commands.Prefixes) != 0 {
		t.Errorf("Prefixes defaulted despite prefix_pattern: %v", cfg.Commands.Prefixes)
	}
	if !cfg.Store.Compress || !cfg.Store.ResolveState || cfg.Store.TimelineLimit != 25 {
		t.Errorf("Store = %+v", cfg.Store)
	}
	if cfg.Observability.Tracing.SamplingRate != 0.25 {
		t.Errorf("SamplingRate = %v", cfg.Observability.Tracing.SamplingRate)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "mxbot.yaml", minimalConfig+`
store:
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name:    "missing credentials",
			body:    "matrix:\n  homeserver: https://matrix.example.org\n",
			wantErr: "matrix.access_token",
		},
		{
			name:    "bad user id",
			body:    "matrix:\n  homeserver: https://hs\n  user_id: bot\n  access_token: t\n",
			wantErr: "matrix.user_id",
		},
		{
			name:    "bad prefix pattern",
			body:    minimalConfig + "commands:\n  prefix_pattern: '(['\n",
			wantErr: "prefix_pattern",
		},
		{
			name:    "bad schedule",
			body:    minimalConfig + "store:\n  maintenance_schedule: every now and then\n",
			wantErr: "maintenance_schedule",
		},
		{
			name:    "bad log format",
			body:    minimalConfig + "logging:\n  format: xml\n",
			wantErr: "logging.format",
		},
		{
			name:    "tracing without endpoint",
			body:    minimalConfig + "observability:\n  tracing:\n    enabled: true\n",
			wantErr: "tracing.endpoint",
		},
		{
			name:    "future version",
			body:    "version: 99\n" + minimalConfig,
			wantErr: "newer than this build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "mxbot.yaml", tt.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected %s error, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("MXBOT_TEST_TOKEN", "from-env")
	path := writeConfig(t, "mxbot.yaml", `
matrix:
  homeserver: https://matrix.example.org
  user_id: "@bot:example.org"
  access_token: ${MXBOT_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.AccessToken != "from-env" {
		t.Errorf("AccessToken = %q", cfg.Matrix.AccessToken)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "matrix.json5"), `{
  // credentials live in a separate file
  matrix: {
    homeserver: "https://matrix.example.org",
    user_id: "@bot:example.org",
    access_token: "included",
  },
}`)
	main := writeFile(t, filepath.Join(dir, "mxbot.yaml"), `
$include: matrix.json5
matrix:
  join_on_invite: true
logging:
  level: warn
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.AccessToken != "included" || !cfg.Matrix.JoinOnInvite {
		t.Errorf("Matrix = %+v", cfg.Matrix)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "a.yaml"), "$include: b.yaml\n")
	writeFile(t, filepath.Join(dir, "b.yaml"), "$include: a.yaml\n")

	_, err := Load(filepath.Join(dir, "a.yaml"))
	if err == nil || !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("expected include cycle error, got %v", err)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	var schema struct {
		Title string `json:"title"`
		Defs  map[string]struct {
			Properties map[string]struct {
				Type    string `json:"type"`
				Pattern string `json:"pattern"`
			} `json:"properties"`
		} `json:"$defs"`
	}
	if err := json.Unmarshal(data, &schema); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
	if schema.Title != "mxbot configuration" {
		t.Errorf("Title = %q", schema.Title)
	}
	if _, ok := schema.Defs["StoreConfig"].Properties["maintenance_schedule"]; !ok {
		t.Error("schema is missing store fields")
	}

	backoff := schema.Defs["MatrixConfig"].Properties["reconnect_backoff"]
	if backoff.Type != "string" {
		t.Fatalf("reconnect_backoff type = %q, want string", backoff.Type)
	}
	pattern := regexp.MustCompile(backoff.Pattern)
	for _, tt := range []struct {
		value string
		want  bool
	}{
		{"5s", true},
		{"1m30s", true},
		{"250ms", true},
		{"5", false},
		{"five seconds", false},
	} {
		if got := pattern.MatchString(tt.value); got != tt.want {
			t.Errorf("pattern match %q = %v, want %v", tt.value, got, tt.want)
		}
	}
}

func TestLoadVersionChecks(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		body    string
		wantErr string
	}{
		{
			name: "flat legacy layout",
			file: "bot.yaml",
			body: `
homeserver: https://matrix.example.org
command_prefix: "!"
`,
			wantErr: "command_prefix -> commands.prefixes",
		},
		{
			name:    "newer version",
			file:    "bot.yaml",
			body:    "version: 7\n" + minimalConfig,
			wantErr: "newer than this build",
		},
		{
			name: "json5 version",
			file: "bot.json5",
			body: `{
  version: 1,
  matrix: {homeserver: "https://matrix.example.org", user_id: "@bot:example.org", access_token: "t"},
}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.file, tt.body))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Load() error = %v", err)
				}
				return
			}
			var ve *VersionError
			if !errors.As(err, &ve) {
				t.Fatalf("Load() error = %v, want *VersionError", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadRawErrorsNameTheFile(t *testing.T) {
	dir := t.TempDir()
	broken := writeFile(t, filepath.Join(dir, "broken.yaml"), "matrix: [unclosed\n")
	main := writeFile(t, filepath.Join(dir, "mxbot.yaml"), "$include: broken.yaml\n")

	_, err := LoadRaw(main)
	if err == nil {
		t.Fatal("LoadRaw() error = nil")
	}
	if !strings.Contains(err.Error(), broken) {
		t.Errorf("LoadRaw() error = %q, want it to name %s", err, broken)
	}
}

func TestLoadIncludeSurvivesEnvExpansion(t *testing.T) {
	t.Setenv("include", "clobbered")
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "creds.yaml"), minimalConfig)
	main := writeFile(t, filepath.Join(dir, "mxbot.yaml"), `
$include: creds.yaml
logging:
  level: debug
`)

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Matrix.AccessToken != "secret" || cfg.Logging.Level != "debug" {
		t.Errorf("cfg = %+v", cfg)
	}
}

func writeConfig(t *testing.T, name, contents string) string {
	t.Helper()
	return writeFile(t, filepath.Join(t.TempDir(), name), contents)
}

func writeFile(t *testing.T, path, contents string) string {
	t.Helper()
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
