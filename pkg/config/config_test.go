package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, 60*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 15*time.Second, cfg.Poller.FetchTimeout)
	assert.Equal(t, 8, cfg.Poller.Workers)
	assert.Equal(t, "sqlite", cfg.History.Backend)
	assert.Equal(t, 587, cfg.SMTP.Port)
	assert.Equal(t, time.Duration(0), cfg.Alerts.Cooldown)
	assert.False(t, cfg.Alerts.AllowReacknowledgeNotes)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.MaxAge)
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("PA_TOKEN", "secret-token")
	path := writeConfig(t, `
poller:
  interval: 30s
  workers: 4
sources:
  - name: edge-pa
    vendor: palo_alto
    hostname: 10.0.0.1
    credentialRef: paMain
  - vendor: unifi
    hostname: unifi.local
    credentialRef: ubnt
    params:
      site: branch
credentials:
  paMain:
    token: ${PA_TOKEN}
  ubnt:
    username: ops
    password: hunter2
thresholds:
  - metricType: cpu
    comparator: ">"
    value: 90
    severity: critical
alerts:
  cooldown: 5m
  allowReacknowledgeNotes: true
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.Poller.Interval)
	assert.Equal(t, 4, cfg.Poller.Workers)
	require.Len(t, cfg.Sources, 2)
	assert.Equal(t, "palo_alto", cfg.Sources[0].Vendor)
	assert.Equal(t, "pamain", cfg.Sources[0].CredentialRef)
	assert.Equal(t, "branch", cfg.Sources[1].Params["site"])
	assert.Equal(t, "secret-token", cfg.Credentials["pamain"].Token)
	assert.Equal(t, "ops", cfg.Credentials["ubnt"].Username)
	require.Len(t, cfg.Thresholds, 1)
	assert.Equal(t, 90.0, cfg.Thresholds[0].Value)
	assert.Equal(t, 5*time.Minute, cfg.Alerts.Cooldown)
	assert.True(t, cfg.Alerts.AllowReacknowledgeNotes)
}

func TestLoadConfigSMTPEnvOverrides(t *testing.T) {
	t.Setenv("SMTP_SERVER", "mail.example.com")
	t.Setenv("SMTP_PORT", "2525")
	t.Setenv("SMTP_USERNAME", "alerts@example.com")
	t.Setenv("ADMIN_EMAIL", "noc@example.com")

	cfg, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, "mail.example.com", cfg.SMTP.Server)
	assert.Equal(t, 2525, cfg.SMTP.Port)
	assert.Equal(t, "noc@example.com", cfg.SMTP.AdminEmail)
	assert.Equal(t, "alerts@example.com", cfg.SMTP.From, "from defaults to the username")
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr string
	}{
		{
			name: "unknown vendor",
			body: `
sources:
  - vendor: checkpoint
    hostname: 10.0.0.9
    credentialRef: x
credentials:
  x:
    token: t
`,
			wantErr: "vendor",
		},
		{
			name: "missing credential",
			body: `
sources:
  - vendor: fortigate
    hostname: 10.0.0.2
    credentialRef: nope
`,
			wantErr: "unknown credentialRef",
		},
		{
			name: "bad comparator",
			body: `
thresholds:
  - metricType: cpu
    comparator: "!="
    value: 1
    severity: info
`,
			wantErr: "comparator",
		},
		{
			name: "timeplus backend without timeplus",
			body: `
history:
  backend: timeplus
`,
			wantErr: "timeplus.enabled",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
