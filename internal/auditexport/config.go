package auditexport

import (
	"errors"
	"strings"

	"github.com/deepthink-labs/deepthink-go/internal/platform/env"
)

// Config controls where run audit bundles land in object storage.
type Config struct {
	Bucket string
	Prefix string
}

func ConfigFromEnv() (Config, error) {
	cfg := Config{
		Bucket: env.String("DEEPTHINK_AUDIT_BUCKET", "deepthink-audit"),
		Prefix: env.String("DEEPTHINK_AUDIT_PREFIX", "runs"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Bucket) == "" {
		return errors.New("audit export bucket is required")
	}
	if strings.Contains(c.Prefix, "..") {
		return errors.New("audit export prefix must not contain ..")
	}
	return nil
}
