package tls

import (
	"strings"

	"github.com/sagernet/sing-expose/log"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// certmagic logs through zap; its lines are forwarded to our logger so they
// share level filtering and output.
func newZapLogger(logger log.Logger) *zap.Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = ""
	encoderConfig.LevelKey = ""
	return zap.New(zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(zapWriter{logger}),
		zap.InfoLevel,
	))
}

type zapWriter struct {
	logger log.Logger
}

func (w zapWriter) Write(p []byte) (int, error) {
	line := strings.TrimSpace(string(p))
	if line != "" {
		w.logger.Info("acme: ", line)
	}
	return len(p), nil
}
