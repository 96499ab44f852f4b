package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sage/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 24*time.Hour, cfg.Job.MinAge.Std())
	require.Equal(t, 72*time.Hour, cfg.Proposals.TTL.Std())
	require.True(t, cfg.ProposalAction("protect"))
	require.False(t, cfg.ProposalAction("nudge"))
}

func TestFromYAMLOverlaysDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte("learning:\n  learning_rate: 0.1\njob:\n  min_age: 12h\n"))
	require.NoError(t, err)
	require.Equal(t, 0.1, cfg.Learning.LearningRate)
	require.Equal(t, 12*time.Hour, cfg.Job.MinAge.Std())
	require.Equal(t, config.Default().Reward, cfg.Reward)
}

func TestNonFiniteNumbersAreRejected(t *testing.T) {
	cases := map[string]string{
		"learning_rate nan":   "learning:\n  learning_rate: .nan\n",
		"max_weight_norm inf": "learning:\n  max_weight_norm: .inf\n",
		"accept_base nan":     "reward:\n  accept_base: .nan\n",
		"reject_base -inf":    "reward:\n  reject_base: -.inf\n",
		"metric weight nan":   "reward:\n  metrics:\n    momentum:\n      weight: .nan\n      scale: 0.5\n",
		"metric scale inf":    "reward:\n  metrics:\n    momentum:\n      weight: 1\n      scale: .inf\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.ErrorContains(t, err, "finite")
		})
	}
}

func TestValidateRejectsBrokenRanges(t *testing.T) {
	cases := map[string]func(*config.Config){
		"reward ordering": func(c *config.Config) { c.Reward.RejectBase = 0.5 },
		"zero scale":      func(c *config.Config) { c.Reward.Metrics["momentum"] = config.MetricWeight{Weight: 1} },
		"ttl past max age": func(c *config.Config) {
			c.Proposals.TTL = c.Job.MaxAge
		},
		"lock shorter than budget": func(c *config.Config) { c.Job.LockTTL = config.Duration(time.Minute) },
		"redis without addr":       func(c *config.Config) { c.Locker.Backend = "redis" },
		"otlp without endpoint": func(c *config.Config) {
			c.Tracing.Enabled = true
			c.Tracing.Exporter = "otlp"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.ErrorContains(t, err, "sage config init")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "sage.yml"), []byte(config.GenerateDefault()), 0o644))
	cfg, err := config.Load(dir)
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}
