package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func BuildDevelopmentLogger(level zapcore.Level) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(level)
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config.Build()
}

func BuildProductionLogger(outputFilePath string, level zapcore.Level) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{outputFilePath}
	return cfg.Build()
}

// New builds the process logger and installs it as the zap global. Disabled
// logging installs a no-op logger. Logs go to outputFilePath in JSON when it
// is set, to the console otherwise.
func New(enabled bool, outputFilePath string, debug bool) (*zap.Logger, error) {
	logger, err := build(enabled, outputFilePath, debug)
	if err != nil {
		return nil, err
	}
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func build(enabled bool, outputFilePath string, debug bool) (*zap.Logger, error) {
	if !enabled {
		return zap.NewNop(), nil
	}

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}

	if outputFilePath != "" {
		// Use production format and output to file
		return BuildProductionLogger(outputFilePath, level)
	}

	// Use development format and output to console
	return BuildDevelopmentLogger(level)
}
