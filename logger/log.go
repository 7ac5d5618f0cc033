package logger

import (
	"fmt"
	"os"

	"golang.org/x/term"
)

// Logger is the interface the rest of icarus logs through. Implementations
// must be safe for concurrent use.
type Logger interface {
	Debug(format string, v ...any)
	Error(format string, v ...any)
	Fatal(format string, v ...any)
	Notice(format string, v ...any)
	Warn(format string, v ...any)
	Info(format string, v ...any)

	WithFields(fields ...Field) Logger
	SetLevel(level Level)
	Level() Level
}

// ConsoleLogger is a Logger that writes through a Printer and exits the
// process on Fatal.
type ConsoleLogger struct {
	level   Level
	printer Printer
	fields  Fields
	exitFn  func(int)
}

func NewConsoleLogger(printer Printer, exitFn func(int)) Logger {
	return &ConsoleLogger{
		level:   NOTICE,
		printer: printer,
		exitFn:  exitFn,
	}
}

// WithFields returns a copy of the logger with the fields appended. The
// receiver is not modified.
func (l *ConsoleLogger) WithFields(fields ...Field) Logger {
	clone := *l
	clone.fields = append(clone.fields[0:len(clone.fields):len(clone.fields)], fields...)
	return &clone
}

func (l *ConsoleLogger) SetLevel(level Level) {
	l.level = level
}

func (l *ConsoleLogger) Level() Level {
	return l.level
}

func (l *ConsoleLogger) Debug(format string, v ...any) {
	if l.level > DEBUG {
		return
	}
	l.printer.Print(DEBUG, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Notice(format string, v ...any) {
	if l.level > NOTICE {
		return
	}
	l.printer.Print(NOTICE, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Info(format string, v ...any) {
	if l.level > INFO {
		return
	}
	l.printer.Print(INFO, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Warn(format string, v ...any) {
	if l.level > WARN {
		return
	}
	l.printer.Print(WARN, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Error(format string, v ...any) {
	l.printer.Print(ERROR, fmt.Sprintf(format, v...), l.fields)
}

func (l *ConsoleLogger) Fatal(format string, v ...any) {
	l.printer.Print(FATAL, fmt.Sprintf(format, v...), l.fields)
	l.exitFn(1)
}

// ColorsAvailable reports whether stdout is a terminal that can plausibly
// render ANSI colors.
func ColorsAvailable() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// Discard silently swallows everything, including Fatal.
var Discard = &discardLogger{}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any)          {}
func (discardLogger) Error(string, ...any)          {}
func (discardLogger) Fatal(string, ...any)          {}
func (discardLogger) Notice(string, ...any)         {}
func (discardLogger) Warn(string, ...any)           {}
func (discardLogger) Info(string, ...any)           {}
func (d *discardLogger) WithFields(...Field) Logger { return d }
func (discardLogger) SetLevel(Level)                {}
func (discardLogger) Level() Level                  { return FATAL }
