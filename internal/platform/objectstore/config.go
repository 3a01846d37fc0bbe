package objectstore

import (
	"errors"
	"fmt"
	"strings"

	"github.com/filingworks/presubmit/internal/platform/env"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Region    string
	UseSSL    bool
	Bucket    string
}

func ConfigFromEnv() (Config, error) {
	useSSL, err := env.Bool("PRESUBMIT_S3_USE_SSL", false)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Endpoint:  env.String("PRESUBMIT_S3_ENDPOINT", "localhost:9000"),
		AccessKey: env.String("PRESUBMIT_S3_ACCESS_KEY", "presubmit"),
		SecretKey: env.String("PRESUBMIT_S3_SECRET_KEY", "presubmitminio"),
		Region:    env.String("PRESUBMIT_S3_REGION", "us-east-1"),
		UseSSL:    useSSL,
		Bucket:    env.String("PRESUBMIT_S3_BUCKET", "submissions"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.TrimSpace(c.AccessKey) == "" {
		return errors.New("access key is required")
	}
	if strings.TrimSpace(c.SecretKey) == "" {
		return errors.New("secret key is required")
	}
	if strings.TrimSpace(c.Region) == "" {
		return errors.New("region is required")
	}
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("bucket is required")
	}
	if strings.Contains(c.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", c.Endpoint)
	}
	return nil
}
