package cmd

import "testing"

func TestSubcommandsRegistered(t *testing.T) {
	want := []string{"serve", "worker", "migrate", "tenant", "version"}
	for _, name := range want {
		found := false
		for _, c := range rootCmd.Commands() {
			if c.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "bogus"} {
		flagLogLevel = level
		if logger := newLogger(); logger == nil {
			t.Errorf("newLogger() = nil for level %q", level)
		}
	}
	flagLogLevel = "info"
}
