package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Build returns a no-op logger when disabled, a JSON logger writing to
// outputFilePath when one is given, and a colored console logger otherwise.
func Build(enabled bool, outputFilePath string) (*zap.Logger, error) {
	if !enabled {
		return zap.NewNop(), nil
	}
	if outputFilePath != "" {
		return BuildProductionLogger(outputFilePath)
	}
	return BuildDevelopmentLogger()
}

func BuildDevelopmentLogger() (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return config.Build()
}

func BuildProductionLogger(outputFilePath string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{outputFilePath}
	cfg.ErrorOutputPaths = []string{outputFilePath}
	return cfg.Build()
}
