package util

import (
	"strings"
	"testing"
)

func TestGenerateRandomHex(t *testing.T) {
	hex := GenerateRandomHex(32)
	if len(hex) != 32 {
		t.Errorf("expected length 32, got %d", len(hex))
	}
	for _, c := range hex {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("unexpected character %q in hex string", c)
		}
	}
	if GenerateRandomHex(0) != "" || GenerateRandomHex(-1) != "" {
		t.Error("non-positive lengths must return empty string")
	}
}

func TestGenerateIDPrefixes(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"session", GenerateSessionID, "s_"},
		{"definition", GenerateDefinitionID, "wf_"},
		{"message", GenerateMessageID, "m_"},
		{"job", GenerateJobID, "job_"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			if !strings.HasPrefix(id, tt.prefix) {
				t.Errorf("id %q missing prefix %q", id, tt.prefix)
			}
			if len(id) != len(tt.prefix)+32 {
				t.Errorf("id %q has unexpected length", id)
			}
		})
	}
}

func TestGenerateRandomIDUniqueness(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := GenerateRandomID("x_", 32)
		if seen[id] {
			t.Fatalf("duplicate id generated: %s", id)
		}
		seen[id] = true
	}
}
