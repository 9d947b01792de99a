// Package dlog provides the structured logger shared by the shadow writer
// daemon and the shadow reader library: an RFC 5424 logger keyed by a
// single-process facility tag (atopacctd or acctreader, written as the
// APP-NAME) instead of ingest metadata. Every message carries the
// LOG_DAEMON syslog facility, whichever tag the logger was created with.
package dlog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/crewjam/rfc5424"
)

// Level controls which calls actually emit a message.
type Level int8

const (
	OFF Level = iota
	DEBUG
	INFO
	WARN
	ERROR
	CRITICAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case CRITICAL:
		return "CRITICAL"
	}
	return "OFF"
}

func (l Level) priority() rfc5424.Priority {
	switch l {
	case DEBUG:
		return rfc5424.Daemon | rfc5424.Debug
	case INFO:
		return rfc5424.Daemon | rfc5424.Info
	case WARN:
		return rfc5424.Daemon | rfc5424.Warning
	case ERROR:
		return rfc5424.Daemon | rfc5424.Error
	case CRITICAL:
		return rfc5424.Daemon | rfc5424.Crit
	}
	return rfc5424.Daemon | rfc5424.Info
}

// Facility names the syslog-style facility this logger speaks for.
type Facility string

const (
	FacilityDaemon Facility = "atopacctd"
	FacilityReader Facility = "acctreader"
)

// Logger is a minimal leveled, RFC 5424 structured logger. It is safe for
// concurrent use.
type Logger struct {
	mu       sync.Mutex
	wtr      io.Writer
	level    Level
	hostname string
	facility Facility
	pid      int
}

// New wraps wtr (typically a log file or os.Stderr) as the output for a
// logger reporting under facility.
func New(wtr io.Writer, facility Facility) *Logger {
	host, _ := os.Hostname()
	return &Logger{
		wtr:      wtr,
		level:    INFO,
		hostname: host,
		facility: facility,
		pid:      os.Getpid(),
	}
}

// NewDiscard returns a logger that drops everything, used by library
// callers that never configured a sink.
func NewDiscard(facility Facility) *Logger {
	return New(io.Discard, facility)
}

func (l *Logger) SetLevel(lvl Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = lvl
}

func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

func (l *Logger) Debugf(f string, args ...interface{}) { l.outputf(DEBUG, f, args...) }
func (l *Logger) Infof(f string, args ...interface{})  { l.outputf(INFO, f, args...) }
func (l *Logger) Warnf(f string, args ...interface{})  { l.outputf(WARN, f, args...) }
func (l *Logger) Errorf(f string, args ...interface{}) { l.outputf(ERROR, f, args...) }
func (l *Logger) Criticalf(f string, args ...interface{}) {
	l.outputf(CRITICAL, f, args...)
}

// KV builds a structured data parameter for calls that want an attached
// field instead of a %v in the format string.
func KV(name string, value interface{}) rfc5424.SDParam {
	if s, ok := value.(string); ok {
		return rfc5424.SDParam{Name: name, Value: s}
	}
	return rfc5424.SDParam{Name: name, Value: fmt.Sprintf("%v", value)}
}

// KVErr is a shorthand for KV("error", err).
func KVErr(err error) rfc5424.SDParam {
	return KV("error", err)
}

// Errorkv logs msg at ERROR with one or more structured fields attached.
func (l *Logger) Errorkv(msg string, kvs ...rfc5424.SDParam) { l.outputStructured(ERROR, msg, kvs) }

// Infokv logs msg at INFO with one or more structured fields attached.
func (l *Logger) Infokv(msg string, kvs ...rfc5424.SDParam) { l.outputStructured(INFO, msg, kvs) }

func (l *Logger) outputf(lvl Level, f string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl < l.level || l.level == OFF {
		return
	}
	l.writeMessage(lvl, fmt.Sprintf(f, args...), nil)
}

func (l *Logger) outputStructured(lvl Level, msg string, kvs []rfc5424.SDParam) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lvl < l.level || l.level == OFF {
		return
	}
	l.writeMessage(lvl, msg, kvs)
}

func (l *Logger) writeMessage(lvl Level, msg string, kvs []rfc5424.SDParam) {
	m := rfc5424.Message{
		Priority:  lvl.priority(),
		Timestamp: time.Now().UTC(),
		Hostname:  l.hostname,
		AppName:   string(l.facility),
		MessageID: fmt.Sprintf("%d", l.pid),
		Message:   []byte(msg),
	}
	if len(kvs) > 0 {
		m.StructuredData = []rfc5424.StructuredData{{
			ID:         "fields@0",
			Parameters: kvs,
		}}
	}
	b, err := m.MarshalBinary()
	if err != nil {
		fmt.Fprintf(l.wtr, "%s %s[%d]: %s %s\n", time.Now().UTC().Format(time.RFC3339), l.facility, l.pid, lvl, msg)
		return
	}
	l.wtr.Write(append(b, '\n'))
}

// Write implements io.Writer so a *Logger can be handed to callers that
// expect a plain writer (e.g. as the target of log.SetOutput elsewhere).
// Lines are logged at INFO.
func (l *Logger) Write(b []byte) (int, error) {
	l.outputf(INFO, "%s", string(b))
	return len(b), nil
}
