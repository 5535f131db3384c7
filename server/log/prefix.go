package log

import "fmt"

// PrefixLogger writes to the underlying log, but all messages are prefixed with a string of your choice
type PrefixLogger struct {
	Log    Log
	Prefix string
}

// Create a new PrefixLogger
func NewPrefixLogger(log Log, prefix string) *PrefixLogger {
	return &PrefixLogger{
		Log:    log,
		Prefix: prefix + " ",
	}
}

// NewStageLogger prefixes messages with the role and channel of a pipeline stage instance, eg "[FrameDecoder ch2]"
func NewStageLogger(log Log, role string, channel int) *PrefixLogger {
	return NewPrefixLogger(log, fmt.Sprintf("[%v ch%v]", role, channel))
}

// Close does nothing. The underlying log is owned by whoever created it.
func (l *PrefixLogger) Close() {
}

func (l *PrefixLogger) Debugf(format string, a ...any) {
	l.Log.Debugf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Infof(format string, a ...any) {
	l.Log.Infof(l.Prefix+format, a...)
}

func (l *PrefixLogger) Warnf(format string, a ...any) {
	l.Log.Warnf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Errorf(format string, a ...any) {
	l.Log.Errorf(l.Prefix+format, a...)
}

func (l *PrefixLogger) Criticalf(format string, a ...any) {
	l.Log.Criticalf(l.Prefix+format, a...)
}
