package config

import (
	"fmt"
	"log/slog"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Settings are machine-level operational settings loaded from the
// environment (optionally via a .env file). They apply across jobs, unlike
// Job which describes a single run.
type Settings struct {
	// PostprocessingBase overrides the job file's postprocessing_base when
	// set, so a shared job file works across machines with different layouts.
	PostprocessingBase string `env:"MDBATCH_POSTPROCESSING_BASE"`

	// LedgerPath overrides the default sqlite ledger location.
	LedgerPath string `env:"MDBATCH_LEDGER_PATH"`

	// Artifact publication target. PublishBucket empty disables publishing
	// to S3; artifacts then go to a local object store under LocalStoreDir.
	PublishBucket string `env:"MDBATCH_S3_BUCKET"`
	PublishPrefix string `env:"MDBATCH_S3_PREFIX"`
	LocalStoreDir string `env:"MDBATCH_LOCAL_STORE" envDefault:"artifacts"`

	S3Endpoint        string `env:"S3_ENDPOINT_URL"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
}

func LoadSettings() (Settings, error) {
	// A .env file is a convenience for local use; absence is not an error.
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, continuing with environment variables")
	}

	var settings Settings
	if err := env.Parse(&settings); err != nil {
		return Settings{}, fmt.Errorf("error parsing environment settings: %w", err)
	}
	return settings, nil
}

// Apply overlays machine-level settings onto a job configuration.
func (s Settings) Apply(job Job) Job {
	if s.PostprocessingBase != "" {
		job.PostprocessingBase = s.PostprocessingBase
	}
	return job
}
