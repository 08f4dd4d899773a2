// Package ui provides the diagnostic output used by the protocol adapters
// and the command front-end. Colors engage only on a terminal.
package ui

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/mgutz/ansi"
)

type Level int

const (
	Debug Level = iota
	Info
	Warn
	Error
)

var levelColor = map[Level]string{
	Debug: ansi.ColorCode("240"),
	Info:  ansi.ColorCode("green"),
	Warn:  ansi.ColorCode("yellow"),
	Error: ansi.ColorCode("red+b"),
}

var levelTag = map[Level]string{
	Debug: "debug",
	Info:  "info",
	Warn:  "warn",
	Error: "error",
}

type Logger struct {
	mu     sync.Mutex
	out    io.Writer
	prefix string
	min    Level
	color  bool
}

// NewLogger writes to stderr, colorized when stderr is a terminal.
func NewLogger(prefix string, min Level) *Logger {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
	return &Logger{
		out:    colorable.NewColorableStderr(),
		prefix: prefix,
		min:    min,
		color:  color,
	}
}

// NewWriterLogger targets an arbitrary writer with colors off.
func NewWriterLogger(w io.Writer, prefix string, min Level) *Logger {
	return &Logger{out: w, prefix: prefix, min: min}
}

func (l *Logger) logf(level Level, format string, args ...interface{}) {
	if level < l.min {
		return
	}
	tag := levelTag[level]
	if l.color {
		tag = levelColor[level] + tag + ansi.Reset
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "[%s] %s: %s\n", l.prefix, tag, fmt.Sprintf(format, args...))
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.logf(Debug, format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logf(Info, format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logf(Warn, format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logf(Error, format, args...) }
