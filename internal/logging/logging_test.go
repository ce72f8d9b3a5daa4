package logging

import "testing"

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "INFO", " warn ", "error", ""} {
		logger, err := NewLogger(level)
		if err != nil {
			t.Fatalf("level %q: unexpected error: %v", level, err)
		}
		_ = logger.Sync()
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if _, err := NewConsoleLogger("chatty"); err == nil {
		t.Fatal("expected error for unknown console level")
	}
}
