package log

// LevelFilter drops messages below a minimum level
type LevelFilter struct {
	Log      Log
	MinLevel Level
}

func NewLevelFilter(log Log, minLevel Level) *LevelFilter {
	return &LevelFilter{
		Log:      log,
		MinLevel: minLevel,
	}
}

func (l *LevelFilter) Close() {
	l.Log.Close()
}

func (l *LevelFilter) Debugf(format string, a ...any) {
	if l.MinLevel <= LevelDebug {
		l.Log.Debugf(format, a...)
	}
}

func (l *LevelFilter) Infof(format string, a ...any) {
	if l.MinLevel <= LevelInfo {
		l.Log.Infof(format, a...)
	}
}

func (l *LevelFilter) Warnf(format string, a ...any) {
	if l.MinLevel <= LevelWarn {
		l.Log.Warnf(format, a...)
	}
}

func (l *LevelFilter) Errorf(format string, a ...any) {
	if l.MinLevel <= LevelError {
		l.Log.Errorf(format, a...)
	}
}

func (l *LevelFilter) Criticalf(format string, a ...any) {
	if l.MinLevel <= LevelCritical {
		l.Log.Criticalf(format, a...)
	}
}
