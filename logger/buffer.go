package logger

import (
	"fmt"
	"strings"
	"sync"
)

// Buffer is a Logger implementation intended for testing;
// messages are stored internally.
type Buffer struct {
	mu       sync.Mutex
	Messages []string
}

// NewBuffer creates a new Buffer with Messages slice initialized.
// This makes it simpler to assert empty []string when no log messages
// have been sent; otherwise Messages would be nil.
func NewBuffer() *Buffer {
	return &Buffer{
		Messages: make([]string, 0),
	}
}

func (b *Buffer) append(tag, format string, v ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, tag+" "+fmt.Sprintf(format, v...))
}

func (b *Buffer) Debug(format string, v ...any)  { b.append("[debug]", format, v...) }
func (b *Buffer) Error(format string, v ...any)  { b.append("[error]", format, v...) }
func (b *Buffer) Fatal(format string, v ...any)  { b.append("[fatal]", format, v...) }
func (b *Buffer) Notice(format string, v ...any) { b.append("[notice]", format, v...) }
func (b *Buffer) Warn(format string, v ...any)   { b.append("[warn]", format, v...) }
func (b *Buffer) Info(format string, v ...any)   { b.append("[info]", format, v...) }

func (b *Buffer) WithFields(fields ...Field) Logger { return b }
func (b *Buffer) SetLevel(level Level)              {}
func (b *Buffer) Level() Level                      { return DEBUG }

// Contains reports whether any captured message contains substr. Handy for
// asserting that a particular warning fired without matching whole lines.
func (b *Buffer) Contains(substr string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.Messages {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}
