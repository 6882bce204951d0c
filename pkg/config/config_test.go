package config

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miked5167/squadbooks-sub007/pkg/contracts"
	"github.com/miked5167/squadbooks-sub007/pkg/governance"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{"UNRELATED": "1"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.DatabaseDriver)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8, cfg.MinStakeholderInterest)
	assert.Equal(t, time.Minute, cfg.SweepInterval)
	assert.Equal(t, "squadbooks", cfg.Telemetry.ServiceName)
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"DATABASE_DRIVER":          "postgres",
		"DATABASE_URL":             "postgres://squadbooks@localhost/squadbooks?sslmode=disable",
		"REDIS_ADDR":               "localhost:6379",
		"MIN_STAKEHOLDER_INTEREST": "12",
		"SWEEP_INTERVAL":           "30s",
		"OTEL_ENABLED":             "true",
		"OTEL_SERVICE_NAME":        "squadbooks-test",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres", cfg.DatabaseDriver)
	assert.Equal(t, "localhost:6379", cfg.RedisAddr)
	assert.Equal(t, 12, cfg.MinStakeholderInterest)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.Equal(t, "squadbooks-test", cfg.Telemetry.ServiceName)
}

func TestLoadFrom_Rejects(t *testing.T) {
	cases := map[string]map[string]string{
		"driver":   {"DATABASE_DRIVER": "mongo"},
		"interest": {"MIN_STAKEHOLDER_INTEREST": "-1"},
		"format":   {"LOG_FORMAT": "xml"},
		"interval": {"SWEEP_INTERVAL": "0s"},
		"parse":    {"NOTIFY_RATE": "fast"},
	}
	for name, environ := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadFrom(environ)
			assert.Error(t, err)
		})
	}
}

func TestLoadProfile_Valid(t *testing.T) {
	p, err := LoadProfile("testdata/valid.yaml")
	require.NoError(t, err)
	assert.Equal(t, "testdata/valid.yaml", p.Source)
	require.Len(t, p.Associations, 2)

	policies, fallback, err := p.Policies()
	require.NoError(t, err)
	require.NotNil(t, fallback)
	assert.Equal(t, contracts.QuorumPercent, fallback.Quorum.Mode)

	metro := policies[0]
	assert.Equal(t, "metro-minor-hockey", metro.AssociationID)
	assert.True(t, metro.RequiresAssociationApproval)
	assert.True(t, metro.Ceiling.Equal(decimal.RequireFromString("15000")))
	assert.Equal(t, 10, metro.MinimumInterest)
	require.Contains(t, metro.Tiers, "house")
	assert.Equal(t, contracts.QuorumCount, metro.Tiers["house"].Quorum.Mode)
	assert.True(t, metro.Tiers["AA"].Ceiling.Equal(decimal.NewFromInt(25000)))

	lake := policies[1]
	assert.Equal(t, governance.DefaultMinimumInterest, lake.MinimumInterest)
	assert.True(t, lake.Quorum.Value.Equal(decimal.NewFromInt(6)))
}

func TestProfileApply_DrivesEvaluator(t *testing.T) {
	p, err := LoadProfile("testdata/valid.yaml")
	require.NoError(t, err)

	src := governance.NewStaticSource()
	ev, err := governance.NewEvaluator(src)
	require.NoError(t, err)
	require.NoError(t, p.Apply(src, ev.CheckRule))

	ctx := context.Background()
	d, err := ev.Evaluate(ctx, governance.Input{AssociationID: "metro-minor-hockey", TeamTier: "house", Total: decimal.NewFromInt(9000)})
	require.NoError(t, err)
	assert.True(t, d.RequiresAssociationApproval)
	assert.Equal(t, contracts.QuorumCount, d.QuorumMode)

	d, err = ev.Evaluate(ctx, governance.Input{AssociationID: "metro-minor-hockey", TeamTier: "AA", Total: decimal.NewFromInt(20000)})
	require.NoError(t, err)
	assert.False(t, d.RequiresAssociationApproval)

	d, err = ev.Evaluate(ctx, governance.Input{AssociationID: "unknown", Total: decimal.NewFromInt(1)})
	require.NoError(t, err)
	assert.Equal(t, contracts.QuorumPercent, d.QuorumMode)
}

func TestLoadProfile_Rejects(t *testing.T) {
	for _, file := range []string{"future_version.yaml", "bad_mode.yaml", "missing.yaml"} {
		t.Run(file, func(t *testing.T) {
			_, err := LoadProfile("testdata/" + file)
			assert.Error(t, err)
		})
	}

	// Schema-valid but outside organization bounds.
	p, err := LoadProfile("testdata/bad_percent.yaml")
	require.NoError(t, err)
	src := governance.NewStaticSource()
	err = p.Apply(src, nil)
	assert.ErrorIs(t, err, contracts.ErrValidation)
}

func TestProfileApply_RejectsBadRule(t *testing.T) {
	p, err := ParseProfile([]byte(`
schema_version: "1.0"
associations:
  - id: a
    requires_association_approval: true
    sign_off_rule: "total +"
`))
	require.NoError(t, err)
	ev, err := governance.NewEvaluator(governance.NewStaticSource())
	require.NoError(t, err)
	assert.Error(t, p.Apply(governance.NewStaticSource(), ev.CheckRule))
}

func TestParseProfile_DuplicateAssociation(t *testing.T) {
	_, err := ParseProfile([]byte(`
schema_version: "1.2.0"
associations:
  - id: a
  - id: a
`))
	assert.ErrorContains(t, err, "configured twice")
}
