package config

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func TestGetEnvDefaults(t *testing.T) {
	if got := GetEnv("PAYLINK_TEST_UNSET", "fallback"); got != "fallback" {
		t.Errorf("GetEnv = %q, want fallback", got)
	}
	t.Setenv("PAYLINK_TEST_SET", "value")
	if got := GetEnv("PAYLINK_TEST_SET", "fallback"); got != "value" {
		t.Errorf("GetEnv = %q, want value", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("PAYLINK_TEST_INT", "42")
	if got := GetEnvInt("PAYLINK_TEST_INT", 7); got != 42 {
		t.Errorf("GetEnvInt = %d, want 42", got)
	}
	t.Setenv("PAYLINK_TEST_INT", "not-a-number")
	if got := GetEnvInt("PAYLINK_TEST_INT", 7); got != 7 {
		t.Errorf("GetEnvInt = %d, want default 7", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("PAYLINK_TEST_DUR", "90s")
	if got := GetEnvDuration("PAYLINK_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Errorf("GetEnvDuration = %v, want 90s", got)
	}
	t.Setenv("PAYLINK_TEST_DUR", "bogus")
	if got := GetEnvDuration("PAYLINK_TEST_DUR", time.Minute); got != time.Minute {
		t.Errorf("GetEnvDuration = %v, want 1m fallback", got)
	}
}

func TestGetLogLevel(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")
	if got := GetLogLevel(); got != logrus.WarnLevel {
		t.Errorf("GetLogLevel = %v, want warn", got)
	}
	t.Setenv("LOG_LEVEL", "")
	if got := GetLogLevel(); got != logrus.InfoLevel {
		t.Errorf("GetLogLevel = %v, want info", got)
	}
}
