package config

import (
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("RENDER_TEST_STR", "value")

	if got := GetEnv("RENDER_TEST_STR", "fallback"); got != "value" {
		t.Errorf("Expected %q, got %q", "value", got)
	}
	if got := GetEnv("RENDER_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
}

func TestGetIntEnv(t *testing.T) {
	t.Setenv("RENDER_TEST_INT", "42")
	t.Setenv("RENDER_TEST_BAD_INT", "not-a-number")

	if got := GetIntEnv("RENDER_TEST_INT", 7); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
	if got := GetIntEnv("RENDER_TEST_BAD_INT", 7); got != 7 {
		t.Errorf("Expected fallback 7 for invalid value, got %d", got)
	}
	if got := GetIntEnv("RENDER_TEST_MISSING", 7); got != 7 {
		t.Errorf("Expected fallback 7, got %d", got)
	}
}

func TestGetDurationEnv(t *testing.T) {
	t.Setenv("RENDER_TEST_DUR", "30s")
	t.Setenv("RENDER_TEST_BAD_DUR", "soon")

	if got := GetDurationEnv("RENDER_TEST_DUR", time.Second); got != 30*time.Second {
		t.Errorf("Expected 30s, got %v", got)
	}
	if got := GetDurationEnv("RENDER_TEST_BAD_DUR", time.Second); got != time.Second {
		t.Errorf("Expected fallback 1s for invalid value, got %v", got)
	}
}
