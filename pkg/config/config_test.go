package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "loan_applications_submitted", cfg.Kafka.SubmissionTopic)
	assert.Equal(t, "credit_reports_generated", cfg.Kafka.CreditReportTopic)
	assert.Equal(t, "credit-service-group", cfg.Kafka.CreditGroup)
	assert.Equal(t, "decision-service-group", cfg.Kafka.DecisionGroup)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 60*time.Second, cfg.Decision.HoldDelay)
	assert.Equal(t, 3, cfg.Intake.PublishAttempts)
	assert.Greater(t, cfg.Outbox.GracePeriod, cfg.Intake.PublishWindow())
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, 8000, cfg.Server.HTTPPort)
	assert.True(t, cfg.Dedupe.Enabled)
}

func TestLoadFileAndEnvOverrides(t *testing.T) {
	dir := chdirTemp(t)

	content := []byte(`
decision:
  hold_delay: 5s
kafka:
  submission_topic: apps.in
  credit_report_topic: apps.scored
logging:
  level: debug
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), content, 0o600))
	t.Setenv("PREQUAL_LOGGING_FORMAT", "console")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Decision.HoldDelay)
	assert.Equal(t, "apps.in", cfg.Kafka.SubmissionTopic)
	assert.Equal(t, "apps.scored", cfg.Kafka.CreditReportTopic)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestValidateRejectsSameTopics(t *testing.T) {
	cfg := &Config{
		Kafka: KafkaConfig{
			Brokers:           []string{"b:9092"},
			SubmissionTopic:   "same",
			CreditReportTopic: "same",
		},
		Intake: IntakeConfig{PublishAttempts: 1},
	}
	assert.Error(t, cfg.Validate())
}

func TestPublishWindow(t *testing.T) {
	intake := IntakeConfig{PublishAttempts: 3, PublishBackoff: 200 * time.Millisecond, PublishTimeout: 10 * time.Second}
	assert.Equal(t, 30*time.Second+600*time.Millisecond, intake.PublishWindow())

	intake = IntakeConfig{PublishAttempts: 1, PublishBackoff: time.Second, PublishTimeout: 2 * time.Second}
	assert.Equal(t, 2*time.Second, intake.PublishWindow())
}

func TestValidateRejectsGraceInsidePublishWindow(t *testing.T) {
	cfg := &Config{
		Kafka: KafkaConfig{
			Brokers:           []string{"b:9092"},
			SubmissionTopic:   "apps.in",
			CreditReportTopic: "apps.scored",
		},
		Intake: IntakeConfig{PublishAttempts: 3, PublishBackoff: 200 * time.Millisecond, PublishTimeout: 10 * time.Second},
		Outbox: OutboxRelayConfig{GracePeriod: 30 * time.Second},
	}
	assert.Error(t, cfg.Validate())

	cfg.Outbox.GracePeriod = 31 * time.Second
	assert.NoError(t, cfg.Validate())
}

func TestRetryAndDLQTopics(t *testing.T) {
	k := KafkaConfig{RetryTopicSuffix: ".retry", DLQTopicSuffix: ".dlq"}
	assert.Equal(t, "t.retry", k.RetryTopic("t"))
	assert.Equal(t, "t.dlq", k.DLQTopic("t"))

	k = KafkaConfig{}
	assert.Empty(t, k.RetryTopic("t"))
	assert.Empty(t, k.DLQTopic("t"))
}

func TestDSN(t *testing.T) {
	db := DatabaseConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=d sslmode=disable", db.DSN())
}
