package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 24*time.Hour, cfg.Offers.Window)
	assert.Equal(t, 3, cfg.Offers.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.Offers.SweepInterval)
	assert.Equal(t, "info", cfg.Log.Level)

	perms := cfg.Permissions([]string{"professional"})
	assert.True(t, perms["lead.respond"])
	assert.False(t, perms["intake.offer"])
}

func TestOfferWindowShrinksWithUrgency(t *testing.T) {
	cfg := Default()
	cfg.Offers.Window = 8 * time.Hour
	assert.Equal(t, 8*time.Hour, cfg.OfferWindow("standard"))
	assert.Equal(t, 8*time.Hour, cfg.OfferWindow("soon"))
	assert.Equal(t, 4*time.Hour, cfg.OfferWindow("urgent"))
	assert.Equal(t, 2*time.Hour, cfg.OfferWindow("emergency"))
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"zero window": `offers: {window: 0s, max_attempts: 1}
rbac: {roles: {admin: {permissions: [x]}}}`,
		"no attempts": `offers: {window: 1h, max_attempts: 0}
rbac: {roles: {admin: {permissions: [x]}}}`,
		"duplicate professional": `offers: {window: 1h, max_attempts: 1, professionals: [a, a]}
rbac: {roles: {admin: {permissions: [x]}}}`,
		"missing admin": `offers: {window: 1h, max_attempts: 1}
rbac: {roles: {pro: {permissions: [x]}}}`,
		"bad webhook": `offers: {window: 1h, max_attempts: 1}
rbac: {roles: {admin: {permissions: [x]}}}
webhooks: [{url: "not a url"}]`,
		"bad level": `offers: {window: 1h, max_attempts: 1}
rbac: {roles: {admin: {permissions: [x]}}}
log: {level: loud}`,
		"bad duration": `offers: {window: soon, max_attempts: 1}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, 24*time.Hour, cfg.Offers.Window)

	_, err = Load(dir)
	assert.Error(t, err)

	doc := `offers:
  window: 2h
  max_attempts: 2
  professionals: [pro-a, pro-b]
rbac:
  roles:
    admin:
      permissions: [intake.create]
webhooks:
  - url: http://localhost:9000/hook
    events: ["lead.*"]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leadline.yml"), []byte(doc), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, cfg.Offers.Window)
	assert.Equal(t, []string{"pro-a", "pro-b"}, cfg.Offers.Professionals)
	require.Len(t, cfg.Webhooks, 1)
	assert.True(t, cfg.Webhooks[0].WantsEvent("lead.accepted"))
	assert.False(t, cfg.Webhooks[0].WantsEvent("case.created"))
}
