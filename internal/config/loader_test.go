package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name          string
		globalFile    string
		globalConfig  string
		projectFile   string
		projectConfig string
		expectWorkers int
		expectCPU     float64
		expectJobs    int
		checkJob      string
		expectHandler string
		expectError   bool
	}{
		{
			name:          "No config files - returns defaults",
			expectWorkers: 4,
			expectCPU:     80,
		},
		{
			name:       "Global YAML only - overrides workers, adds job",
			globalFile: "global.yaml",
			globalConfig: `
engine:
  workers: 8
jobs:
  backup:
    handler: exec
    recurrence: daily
    args:
      command: /usr/local/bin/backup
`,
			expectWorkers: 8,
			expectCPU:     80,
			expectJobs:    1,
			checkJob:      "backup",
			expectHandler: "exec",
		},
		{
			name:        "Project TOML only - overrides threshold",
			projectFile: "project.toml",
			projectConfig: `
[resources]
cpu_percent = 65.0
`,
			expectWorkers: 4,
			expectCPU:     65,
		},
		{
			name:       "Both with merge - global adds, project overrides",
			globalFile: "global.yaml",
			globalConfig: `
engine:
  workers: 8
jobs:
  backup:
    handler: exec
  report:
    handler: noop
`,
			projectFile: "project.json",
			projectConfig: `{
  "engine": {"workers": 2},
  "jobs": {"backup": {"handler": "noop", "priority": "high"}}
}`,
			expectWorkers: 2,
			expectCPU:     80,
			expectJobs:    2,
			checkJob:      "backup",
			expectHandler: "noop",
		},
		{
			name:         "Unknown field - error",
			globalFile:   "global.json",
			globalConfig: `{"enigne": {"workers": 3}}`,
			expectError:  true,
		},
		{
			name:         "Invalid value - error",
			globalFile:   "global.yaml",
			globalConfig: "resources:\n  memory_percent: 150\n",
			expectError:  true,
		},
		{
			name:         "Invalid job - error",
			globalFile:   "global.yaml",
			globalConfig: "jobs:\n  broken:\n    handler: exec\n    recurrence: cron\n    cron: not a cron\n",
			expectError:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()

			globalPath := ""
			if tt.globalFile != "" {
				globalPath = writeFile(t, tmpDir, tt.globalFile, tt.globalConfig)
			}
			projectPath := ""
			if tt.projectFile != "" {
				projectPath = writeFile(t, tmpDir, tt.projectFile, tt.projectConfig)
			}

			cfg, err := Load(globalPath, projectPath)
			if tt.expectError {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if cfg.Engine.Workers != tt.expectWorkers {
				t.Errorf("workers = %d, want %d", cfg.Engine.Workers, tt.expectWorkers)
			}
			if cfg.Resources.CPUPercent != tt.expectCPU {
				t.Errorf("cpu threshold = %v, want %v", cfg.Resources.CPUPercent, tt.expectCPU)
			}
			if got := len(cfg.Jobs); got != tt.expectJobs {
				t.Errorf("jobs count = %d, want %d", got, tt.expectJobs)
			}
			if tt.checkJob != "" {
				job, exists := cfg.Jobs[tt.checkJob]
				if !exists {
					t.Fatalf("expected job %q not found", tt.checkJob)
				}
				if job.Handler != tt.expectHandler {
					t.Errorf("job %q handler = %q, want %q", tt.checkJob, job.Handler, tt.expectHandler)
				}
			}
		})
	}
}

func TestLoad_DurationsAndUntouchedDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	path := writeFile(t, tmpDir, "config.yaml", "engine:\n  default_timeout: 90s\nretry:\n  max_attempts: 5\n")

	cfg, err := Load("", path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := cfg.Engine.DefaultTimeout.Std(); got != 90*time.Second {
		t.Errorf("default timeout = %v, want 90s", got)
	}
	if cfg.Retry.MaxAttempts != 5 {
		t.Errorf("max attempts = %d, want 5", cfg.Retry.MaxAttempts)
	}
	// Keys absent from the file keep their defaults.
	if got := cfg.Retry.InitialInterval.Std(); got != time.Second {
		t.Errorf("initial interval = %v, want 1s", got)
	}
	if !cfg.Engine.CoalesceMissed {
		t.Error("coalesce_missed should default to true")
	}
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.json", `{"engine": {"idle_poll": 5}}`)
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for numeric duration")
	}
}

func TestLoad_Malformed(t *testing.T) {
	for _, name := range []string{"global.json", "global.yaml", "global.toml"} {
		t.Run(name, func(t *testing.T) {
			path := writeFile(t, t.TempDir(), name, "{invalid: [")
			if _, err := Load(path, ""); err == nil {
				t.Fatal("expected error for malformed config, got nil")
			}
		})
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.ini", "workers=3")
	if _, err := Load(path, ""); err == nil {
		t.Fatal("expected error for .ini config")
	}
}

func TestLoad_MissingFilesNotError(t *testing.T) {
	cfg, err := Load("/nonexistent/global.yaml", "/nonexistent/project.toml")
	if err != nil {
		t.Fatalf("expected no error for missing files, got: %v", err)
	}
	if cfg.Engine.Workers != DefaultConfig().Engine.Workers {
		t.Errorf("workers = %d, want default", cfg.Engine.Workers)
	}
}

func TestLoad_EmptyFile(t *testing.T) {
	path := writeFile(t, t.TempDir(), "config.yaml", "")
	if _, err := Load(path, ""); err != nil {
		t.Fatalf("empty YAML should load defaults: %v", err)
	}
}
