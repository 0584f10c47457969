package rtc

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/rs/zerolog"
)

// LoggerFactory routes pion's internal logging into zerolog. Every pion
// scope becomes a "scope" field under the webrtc module.
type LoggerFactory struct {
	Logger zerolog.Logger
}

var _ logging.LoggerFactory = LoggerFactory{}

func (f LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return leveledLogger{l: f.Logger.With().Str("scope", scope).Logger()}
}

type leveledLogger struct {
	l zerolog.Logger
}

func (z leveledLogger) Trace(msg string) { z.l.Trace().Msg(msg) }
func (z leveledLogger) Tracef(format string, args ...any) {
	z.l.Trace().Msg(fmt.Sprintf(format, args...))
}
func (z leveledLogger) Debug(msg string) { z.l.Debug().Msg(msg) }
func (z leveledLogger) Debugf(format string, args ...any) {
	z.l.Debug().Msg(fmt.Sprintf(format, args...))
}
func (z leveledLogger) Info(msg string) { z.l.Info().Msg(msg) }
func (z leveledLogger) Infof(format string, args ...any) {
	z.l.Info().Msg(fmt.Sprintf(format, args...))
}
func (z leveledLogger) Warn(msg string) { z.l.Warn().Msg(msg) }
func (z leveledLogger) Warnf(format string, args ...any) {
	z.l.Warn().Msg(fmt.Sprintf(format, args...))
}
func (z leveledLogger) Error(msg string) { z.l.Error().Msg(msg) }
func (z leveledLogger) Errorf(format string, args ...any) {
	z.l.Error().Msg(fmt.Sprintf(format, args...))
}
