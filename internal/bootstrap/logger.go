package bootstrap

import (
	"fmt"

	"ordercore/internal/core"
	"ordercore/pkg/logging"
)

// InitLogger builds the process-wide zap-backed logger from configuration.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	return logger.WithField("app", cfg.App.Name)
}
