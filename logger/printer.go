package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

const (
	nocolor   = "0"
	red       = "31"
	green     = "38;5;48"
	yellow    = "33"
	gray      = "38;5;251"
	lightgray = "38;5;243"
	cyan      = "1;36"
)

const DateFormat = "2006-01-02 15:04:05"

// Printer renders a single log line. Print is called with the logger's
// accumulated fields; implementations must serialize their own writes.
type Printer interface {
	Print(level Level, msg string, fields Fields)
}

type TextPrinter struct {
	Colors bool

	mu     sync.Mutex
	writer io.Writer
}

func NewTextPrinter(w io.Writer) *TextPrinter {
	return &TextPrinter{
		Colors: ColorsAvailable(),
		writer: w,
	}
}

func (p *TextPrinter) Print(level Level, msg string, fields Fields) {
	now := time.Now().Format(DateFormat)

	var fieldStr string
	if len(fields) > 0 {
		parts := make([]string, 0, len(fields))
		for _, f := range fields {
			parts = append(parts, f.Key()+"="+f.String())
		}
		fieldStr = " " + strings.Join(parts, " ")
	}

	var line string
	if p.Colors {
		levelColor := green
		messageColor := nocolor

		switch level {
		case DEBUG:
			levelColor = gray
			messageColor = gray
		case NOTICE:
			levelColor = cyan
		case WARN:
			levelColor = yellow
		case ERROR, FATAL:
			levelColor = red
		}

		line = fmt.Sprintf("\x1b[%sm%s %-6s\x1b[0m \x1b[%sm%s\x1b[0m\x1b[%sm%s\x1b[0m\n",
			levelColor, now, level, messageColor, msg, lightgray, fieldStr)
	} else {
		line = fmt.Sprintf("%s %-6s %s%s\n", now, level, msg, fieldStr)
	}

	p.mu.Lock()
	fmt.Fprint(p.writer, line)
	p.mu.Unlock()
}

type JSONPrinter struct {
	mu     sync.Mutex
	writer io.Writer
}

func NewJSONPrinter(w io.Writer) *JSONPrinter {
	return &JSONPrinter{writer: w}
}

func (p *JSONPrinter) Print(level Level, msg string, fields Fields) {
	entry := map[string]any{
		"ts":    time.Now().Format(time.RFC3339Nano),
		"level": level.String(),
		"msg":   msg,
	}
	for _, f := range fields {
		entry[f.Key()] = f.String()
	}

	// Fall back to a plain line rather than dropping the entry.
	b, err := json.Marshal(entry)
	if err != nil {
		b = []byte(fmt.Sprintf(`{"level":%q,"msg":"log entry could not be marshalled"}`, level))
	}

	p.mu.Lock()
	p.writer.Write(append(b, '\n'))
	p.mu.Unlock()
}
