package config

import (
	"os"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "config-*.yaml")
	if err != nil {
		t.Fatalf("creating temp config: %v", err)
	}
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("writing temp config: %v", err)
	}
	f.Close()
	return f.Name()
}

const validConfig = `
poll_interval: 45s
accounts:
  - name: personal
    enabled: true
    type: vdir
    path: /srv/pim/personal
    collections:
      - id: contacts
        name: Contacts
        enabled: true
      - id: notes
        name: Notes
        enabled: false
`

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, validConfig)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %v, want 45s", cfg.PollInterval)
	}
	if len(cfg.Accounts) != 1 {
		t.Fatalf("Accounts len = %d, want 1", len(cfg.Accounts))
	}
	acct := cfg.Accounts[0]
	if acct.Name != "personal" || acct.Type != "vdir" {
		t.Errorf("account = %+v, want name=personal type=vdir", acct)
	}
	if len(acct.Collections) != 2 {
		t.Errorf("Collections len = %d, want 2", len(acct.Collections))
	}
	if acct.Collections[1].Enabled {
		t.Error("notes collection should be disabled")
	}
}

func TestLoad_DefaultPollInterval(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - name: personal
    enabled: true
    type: vdir
    path: /srv/pim
    collections:
      - id: contacts
        enabled: true
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want 1m default", cfg.PollInterval)
	}
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, validConfig+"\nnot_a_real_key: true\n")
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown key")
	}
}

func TestLoad_NoAccounts(t *testing.T) {
	path := writeConfig(t, `poll_interval: 30s`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for missing accounts")
	}
}

func TestLoad_DuplicateAccountName(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - name: a
    enabled: true
    type: vdir
    path: /x
    collections: [{id: c1, enabled: true}]
  - name: a
    enabled: true
    type: vdir
    path: /y
    collections: [{id: c1, enabled: true}]
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for duplicate account name")
	}
}

func TestLoad_UnsupportedAccountType(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - name: a
    enabled: true
    type: carddav
    path: /x
    collections: [{id: c1, enabled: true}]
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for unsupported account type")
	}
}

func TestLoad_PollIntervalTooShort(t *testing.T) {
	path := writeConfig(t, `
poll_interval: 2s
accounts:
  - name: a
    enabled: true
    type: vdir
    path: /x
    collections: [{id: c1, enabled: true}]
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for too-short poll interval")
	}
}

func TestLoad_TelemetryRequiresEndpoint(t *testing.T) {
	path := writeConfig(t, `
accounts:
  - name: a
    enabled: true
    type: vdir
    path: /x
    collections: [{id: c1, enabled: true}]
telemetry:
  insecure: true
`)
	if _, err := Load(path); err == nil {
		t.Error("expected error for telemetry without endpoint")
	}
}

func TestDefaultPaths(t *testing.T) {
	if p, err := DefaultPath(); err != nil || p == "" {
		t.Errorf("DefaultPath() = %q, %v", p, err)
	}
	if p, err := DefaultStatePath(); err != nil || p == "" {
		t.Errorf("DefaultStatePath() = %q, %v", p, err)
	}
}
