package util

import (
	"log"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func initLogger(level zapcore.Level) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.EncoderConfig.CallerKey = "ln"
	zapCfg.EncoderConfig.FunctionKey = ""
	zapCfg.EncoderConfig.LevelKey = "severity"
	zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.OutputPaths = []string{"stdout"}

	return zapCfg.Build()
}

// LogLevelFromEnv reads LOG_LEVEL as a numeric zap level, defaulting to info.
func LogLevelFromEnv() zapcore.Level {
	logLevelInt, err := strconv.Atoi(os.Getenv("LOG_LEVEL"))
	if err != nil {
		return zapcore.InfoLevel
	}
	return zapcore.Level(logLevelInt)
}

func NewLogger() (*zap.Logger, func()) {
	return NewLoggerWithLevel(LogLevelFromEnv())
}

func NewLoggerWithLevel(level zapcore.Level) (*zap.Logger, func()) {
	logger, err := initLogger(level)
	if err != nil {
		log.Fatalf("fail to init logger, error: %v", err)
	}

	undo := zap.ReplaceGlobals(logger)

	return logger, func() {
		undo()
		_ = logger.Sync()
	}
}
