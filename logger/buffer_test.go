package logger_test

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/icarus-hq/icarus/logger"
)

func TestBuffer(t *testing.T) {
	t.Parallel()

	l := logger.NewBuffer()
	l.Info("hello %s", "world")
	func(x logger.Logger) {
		x.Debug("spawn queued")
	}(l)

	want := []string{
		"[info] hello world",
		"[debug] spawn queued",
	}
	if diff := cmp.Diff(want, l.Messages); diff != "" {
		t.Errorf("buffer messages diff (-want +got):\n%s", diff)
	}

	if !l.Contains("spawn") {
		t.Errorf("Contains(%q) = false, want true", "spawn")
	}
	if l.Contains("sentinel") {
		t.Errorf("Contains(%q) = true, want false", "sentinel")
	}
}
