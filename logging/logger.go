package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger instances provide custom, structured logging. Components never
// reach for a package-level singleton; a Logger is constructed once in
// main and threaded through Config/Params.
type Logger interface {
	Error(...interface{})
	Errorf(string, ...interface{})
	Warn(...interface{})
	Warnf(string, ...interface{})
	Info(...interface{})
	Infof(string, ...interface{})
	Debug(...interface{})
	Debugf(string, ...interface{})

	// WithFields returns a Logger that prefixes every subsequent entry
	// with the given fields, e.g. the correlation id for a request.
	WithFields(map[string]interface{}) Logger
}

// DefaultLog is the logrus-backed implementation used in production.
type DefaultLog struct {
	logger *logrus.Logger
	fields logrus.Fields
}

// New returns a DefaultLog backed by its own new logrus logger, set to
// level and formatting entries as JSON.
func New(level logrus.Level) *DefaultLog {
	l := logrus.New()
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return &DefaultLog{logger: l, fields: logrus.Fields{}}
}

func (dl *DefaultLog) entry() *logrus.Entry { return dl.logger.WithFields(dl.fields) }

func (dl *DefaultLog) Error(a ...interface{})            { dl.entry().Error(a...) }
func (dl *DefaultLog) Errorf(f string, a ...interface{}) { dl.entry().Errorf(f, a...) }
func (dl *DefaultLog) Warn(a ...interface{})             { dl.entry().Warn(a...) }
func (dl *DefaultLog) Warnf(f string, a ...interface{})  { dl.entry().Warnf(f, a...) }
func (dl *DefaultLog) Info(a ...interface{})             { dl.entry().Info(a...) }
func (dl *DefaultLog) Infof(f string, a ...interface{})  { dl.entry().Infof(f, a...) }
func (dl *DefaultLog) Debug(a ...interface{})            { dl.entry().Debug(a...) }
func (dl *DefaultLog) Debugf(f string, a ...interface{}) { dl.entry().Debugf(f, a...) }

func (dl *DefaultLog) WithFields(fields map[string]interface{}) Logger {
	merged := make(logrus.Fields, len(dl.fields)+len(fields))
	for k, v := range dl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &DefaultLog{logger: dl.logger, fields: merged}
}
