package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	t.Setenv("SNIPPER_TEST_VALUE", "abc")
	if got := GetEnv("SNIPPER_TEST_VALUE", "x"); got != "abc" {
		t.Errorf("GetEnv: got %q", got)
	}
	t.Setenv("SNIPPER_TEST_VALUE", "")
	if got := GetEnv("SNIPPER_TEST_VALUE", "x"); got != "x" {
		t.Errorf("GetEnv empty should fall back: got %q", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("SNIPPER_TEST_INT", "12")
	if got := GetEnvInt("SNIPPER_TEST_INT", 3); got != 12 {
		t.Errorf("GetEnvInt: got %d", got)
	}
	t.Setenv("SNIPPER_TEST_INT", "twelve")
	if got := GetEnvInt("SNIPPER_TEST_INT", 3); got != 3 {
		t.Errorf("GetEnvInt invalid should fall back: got %d", got)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("SNIPPER_TEST_SECONDS", "90")
	if got := GetEnvDuration("SNIPPER_TEST_SECONDS", time.Second); got != 90*time.Second {
		t.Errorf("GetEnvDuration: got %v", got)
	}
	t.Setenv("SNIPPER_TEST_SECONDS", "-5")
	if got := GetEnvDuration("SNIPPER_TEST_SECONDS", time.Minute); got != time.Minute {
		t.Errorf("GetEnvDuration negative should fall back: got %v", got)
	}
}

func TestLoad_file(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	if err := os.WriteFile(path, []byte("SNIPPER_FROM_DOTENV=yes\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("SNIPPER_FROM_DOTENV") })

	if err := Load(path); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := os.Getenv("SNIPPER_FROM_DOTENV"); got != "yes" {
		t.Errorf("expected value from dotenv file, got %q", got)
	}
}

func TestLoad_missing_file(t *testing.T) {
	if err := Load(filepath.Join(t.TempDir(), "missing.env")); err == nil {
		t.Error("expected error for missing file")
	}
}
