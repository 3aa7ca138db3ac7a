package logger

import (
	"fmt"
	"os"
	"strings"

	"marketpay/internal/config"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds the process logger from the log section of the config.
func NewLogger(cfg *config.Config) *zap.Logger {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "@timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	if cfg.Log.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level)
	return zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
}

// gooseLogger adapts zap to goose.Logger.
type gooseLogger struct {
	sugar *zap.SugaredLogger
}

func GooseZapLogger(logger *zap.Logger) goose.Logger {
	return &gooseLogger{sugar: logger.With(zap.String("component", "migrations")).Sugar()}
}

func (l *gooseLogger) Fatalf(format string, v ...interface{}) {
	l.sugar.Fatalf(strings.TrimSpace(format), v...)
}

func (l *gooseLogger) Printf(format string, v ...interface{}) {
	l.sugar.Info(strings.TrimSpace(fmt.Sprintf(format, v...)))
}
