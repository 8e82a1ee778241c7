package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/config"
	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/models"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8071", cfg.Addr)
	assert.Equal(t, 5*time.Minute, cfg.RollbackWindow)
	assert.Empty(t, cfg.KafkaBrokers)
	assert.Equal(t, models.DefaultConsensusSettings(), cfg.Defaults)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("MOVEMENT_ADDR", ":9000")
	t.Setenv("MOVEMENT_KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("MOVEMENT_ROLLBACK_WINDOW", "90s")
	t.Setenv("MOVEMENT_AI_URL", "http://ai:8080")

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Addr)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 90*time.Second, cfg.RollbackWindow)
	assert.Equal(t, "http://ai:8080", cfg.AIServiceURL)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("MOVEMENT_ROLLBACK_WINDOW", "soon")
	_, err := config.Load()
	assert.Error(t, err)
}

func TestSettingsFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consensus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
votingSystem: unanimous
votingTimeLimitSec: 120
autoApproveIfNoResponse: true
autoApprovePercentage: 40
reminderIntervalsSec: [60, 15]
`), 0o600))
	t.Setenv("MOVEMENT_SETTINGS_FILE", path)

	cfg, err := config.Load()
	require.NoError(t, err)
	assert.Equal(t, models.VotingUnanimous, cfg.Defaults.VotingSystem)
	assert.Equal(t, 120, cfg.Defaults.VotingTimeLimitSec)
	assert.True(t, cfg.Defaults.AutoApproveIfNoResponse)
	assert.Equal(t, 40.0, cfg.Defaults.AutoApprovePercentage)
	assert.Equal(t, []int{60, 15}, cfg.Defaults.ReminderIntervalsSec)
	// untouched keys keep the built-in value
	assert.Equal(t, 60.0, cfg.Defaults.RequiredApprovalPercentage)
}

func TestParseConsensusDefaultsValidates(t *testing.T) {
	_, err := config.ParseConsensusDefaults([]byte("votingSystem: dictator\n"))
	assert.ErrorContains(t, err, "unknown voting system")

	_, err = config.ParseConsensusDefaults([]byte("requiredApprovalPercentage: 150\n"))
	assert.Error(t, err)

	_, err = config.ParseConsensusDefaults([]byte("votingSystem: [\n"))
	assert.ErrorContains(t, err, "parse settings file")
}
