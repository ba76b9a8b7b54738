package log

import (
	"go.uber.org/zap"
)

// Level gates the package-level logging functions below. The zap logger
// installed via SetLogger may apply its own, stricter filtering on top.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARNING
	ERROR
	FATAL
)

var (
	logLevel = INFO
	sugar    *zap.SugaredLogger
)

func init() {
	logger, err := zap.NewProduction(zap.AddCallerSkip(1))
	if err != nil {
		panic(err)
	}
	sugar = logger.Sugar()
}

// SetLogger replaces the logger used by this package. Intended for embedders
// that already own a configured zap instance.
func SetLogger(logger *zap.Logger) {
	sugar = logger.WithOptions(zap.AddCallerSkip(1)).Sugar()
}

func SetLevel(level Level) {
	logLevel = level
}

func GetLevel() Level {
	return logLevel
}

func Debug(format string, args ...interface{}) {
	if logLevel <= DEBUG {
		sugar.Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if logLevel <= INFO {
		sugar.Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if logLevel <= WARNING {
		sugar.Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if logLevel <= ERROR {
		sugar.Errorf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	sugar.Fatalf(format, args...)
}
