package main

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

// TestRunController_InvalidConfig verifies startup fails with exit code
// 1 when the configuration file cannot be read.
func TestRunController_InvalidConfig(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := runController(ctx, "/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("runController() should fail with invalid config path")
	}

	var exit *exitError
	if !errors.As(err, &exit) {
		t.Fatalf("error %v is not an exitError", err)
	}
	if exit.code != exitConfigError {
		t.Errorf("exit code = %d, want %d", exit.code, exitConfigError)
	}
}

func TestGetConfigPath(t *testing.T) {
	originalEnv := os.Getenv("CYNCLAN_CONFIG")
	defer os.Setenv("CYNCLAN_CONFIG", originalEnv) //nolint:errcheck

	os.Setenv("CYNCLAN_CONFIG", "/etc/cync/from-env.yaml") //nolint:errcheck

	tests := []struct {
		name string
		flag string
		want string
	}{
		{name: "flag wins over env", flag: "/tmp/flag.yaml", want: "/tmp/flag.yaml"},
		{name: "env wins over default", flag: "", want: "/etc/cync/from-env.yaml"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := getConfigPath(tt.flag); got != tt.want {
				t.Errorf("getConfigPath(%q) = %q, want %q", tt.flag, got, tt.want)
			}
		})
	}

	os.Unsetenv("CYNCLAN_CONFIG") //nolint:errcheck
	if got := getConfigPath(""); got != defaultConfigPath {
		t.Errorf("getConfigPath(\"\") = %q, want default %q", got, defaultConfigPath)
	}
}

func TestExitErrorUnwrap(t *testing.T) {
	inner := errors.New("boom")
	err := &exitError{code: exitStartupError, err: inner}
	if !errors.Is(err, inner) {
		t.Error("exitError does not unwrap to the inner error")
	}
	if err.Error() != "boom" {
		t.Errorf("Error() = %q", err.Error())
	}
}
