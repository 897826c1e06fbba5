package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msoulis/agora/internal/config"
	"github.com/msoulis/agora/internal/launcher"
	"github.com/msoulis/agora/internal/scheduler"
)

func writeConfigFile(t *testing.T, yaml string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agora.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("AGORA_CONFIG", path)
}

func TestReloadConfigAppliesChanges(t *testing.T) {
	writeConfigFile(t, `
agents:
  researcher:
    description: finds things
`)
	old, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	l := launcher.New(old, nil, nil, nil, nil)
	sched := scheduler.New(nil, nil, nil, scheduler.Config{PollInterval: old.Scheduler.PollInterval})

	// Same file again: nothing reloadable changed, baseline stays.
	if got := reloadConfig(old, l, sched); got != old {
		t.Error("no-op reload replaced the baseline")
	}
	if l.Config() != old {
		t.Error("launcher config swapped on a no-op reload")
	}

	writeConfigFile(t, `
agents:
  researcher:
    description: finds things
  browser:
    description: browses the web
    special_role: web_surfer
`)
	got := reloadConfig(old, l, sched)
	if got == old {
		t.Fatal("reload kept the old baseline despite changes")
	}
	if l.Config() != got {
		t.Error("launcher config view not swapped")
	}
	if _, ok := l.Config().Agents["browser"]; !ok {
		t.Error("new agent not visible after reload")
	}
}

func TestReloadConfigKeepsOldOnError(t *testing.T) {
	writeConfigFile(t, `
agents:
  bad:
    special_role: time_traveler
`)
	old := &config.Config{}
	l := launcher.New(old, nil, nil, nil, nil)
	sched := scheduler.New(nil, nil, nil, scheduler.Config{})

	if got := reloadConfig(old, l, sched); got != old {
		t.Error("failed reload replaced the baseline")
	}
	if l.Config() != old {
		t.Error("launcher config swapped on a failed reload")
	}
}
