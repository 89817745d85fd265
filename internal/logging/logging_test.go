package logging

import "testing"

func TestSetup_ValidLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error"} {
		if err := Setup(level); err != nil {
			t.Errorf("Setup(%q) failed: %v", level, err)
		}
	}
}

func TestSetup_InvalidLevel(t *testing.T) {
	if err := Setup("not-a-level"); err == nil {
		t.Error("expected an error for an invalid level")
	}
}
