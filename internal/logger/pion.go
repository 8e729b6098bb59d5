// Package logger bridges pion's internal logging into zerolog so transport
// negotiation logs end up in the same stream as the rest of the process.
package logger

import (
	"github.com/pion/logging"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type PionFactory struct {
	root zerolog.Logger
}

// NewPionFactory returns a logging.LoggerFactory backed by the global
// zerolog logger, clamped to the given level.
func NewPionFactory(level zerolog.Level) *PionFactory {
	return &PionFactory{root: log.Logger.Level(level)}
}

func (f *PionFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{log: f.root.With().Str("module", "pion."+scope).Logger()}
}

type pionLogger struct {
	log zerolog.Logger
}

func (p *pionLogger) Trace(msg string) { p.log.Trace().Msg(msg) }
func (p *pionLogger) Tracef(format string, args ...interface{}) {
	p.log.Trace().Msgf(format, args...)
}

func (p *pionLogger) Debug(msg string) { p.log.Debug().Msg(msg) }
func (p *pionLogger) Debugf(format string, args ...interface{}) {
	p.log.Debug().Msgf(format, args...)
}

func (p *pionLogger) Info(msg string) { p.log.Info().Msg(msg) }
func (p *pionLogger) Infof(format string, args ...interface{}) {
	p.log.Info().Msgf(format, args...)
}

func (p *pionLogger) Warn(msg string) { p.log.Warn().Msg(msg) }
func (p *pionLogger) Warnf(format string, args ...interface{}) {
	p.log.Warn().Msgf(format, args...)
}

func (p *pionLogger) Error(msg string) { p.log.Error().Msg(msg) }
func (p *pionLogger) Errorf(format string, args ...interface{}) {
	p.log.Error().Msgf(format, args...)
}
