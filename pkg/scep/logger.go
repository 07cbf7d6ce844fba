package scep

// Logger receives diagnostic output from the protocol components.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// NopLogger discards everything.
var NopLogger Logger = nopLogger{}

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return NopLogger
	}
	return l
}
