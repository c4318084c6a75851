package bootstrap

import (
	"exit_engine/internal/core"
	"exit_engine/pkg/logging"
)

// InitLogger builds the zap logger at the configured level and installs it
// globally.
func InitLogger(cfg *Config) core.ILogger {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return logging.GetGlobalLogger()
	}
	logging.SetGlobalLogger(logger)
	return logger
}
