package main

import "testing"

func TestIsYAMLFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"ops.yaml", true},
		{"ops.yml", true},
		{"ops.json", false},
		{"dir.yaml/ops", false},
		{"ops", false},
		{"a/b/c.yaml", true},
	}
	for _, tt := range tests {
		if got := isYAMLFile(tt.path); got != tt.want {
			t.Errorf("isYAMLFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
