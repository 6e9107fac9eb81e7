package main

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

// TestRun exercises the command tree end to end the way the teacher's
// cmd/pg-lock-check/main_test.go exercised its single root command,
// widened to dispatch across wesley's subcommands.
func TestRun(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantExit   int
		wantOutput string
		wantError  string
	}{
		{
			name:       "no arguments shows usage",
			args:       []string{},
			wantExit:   0,
			wantOutput: "Usage:",
		},
		{
			name:       "help flag",
			args:       []string{"--help"},
			wantExit:   0,
			wantOutput: "wesley",
		},
		{
			name:       "version flag",
			args:       []string{"--version"},
			wantExit:   0,
			wantOutput: "0.1.0",
		},
		{
			name:      "plan missing required flag",
			args:      []string{"plan"},
			wantExit:  1,
			wantError: "required flag",
		},
		{
			name:      "apply missing required flags",
			args:      []string{"apply"},
			wantExit:  1,
			wantError: "required flag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			oldStdout, oldStderr := os.Stdout, os.Stderr
			rOut, wOut, _ := os.Pipe()
			rErr, wErr, _ := os.Pipe()
			os.Stdout, os.Stderr = wOut, wErr

			exitCode := run(tt.args)

			wOut.Close()
			wErr.Close()
			os.Stdout, os.Stderr = oldStdout, oldStderr

			var stdout, stderr bytes.Buffer
			stdout.ReadFrom(rOut)
			stderr.ReadFrom(rErr)

			if exitCode != tt.wantExit {
				t.Errorf("exit code = %d, want %d (stderr: %s)", exitCode, tt.wantExit, stderr.String())
			}
			if tt.wantOutput != "" && !strings.Contains(stdout.String(), tt.wantOutput) {
				t.Errorf("stdout missing %q\ngot: %s", tt.wantOutput, stdout.String())
			}
			if tt.wantError != "" && !strings.Contains(stderr.String(), tt.wantError) {
				t.Errorf("stderr missing %q\ngot: %s", tt.wantError, stderr.String())
			}
		})
	}
}
