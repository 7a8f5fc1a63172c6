package promptx

import "testing"

func TestLoraToken(t *testing.T) {
	tests := []struct {
		name     string
		weight   float64
		expected string
	}{
		{"catstyle", 0.8, "<lora:catstyle:0.8>"},
		{"hires", 0.4, "<lora:hires:0.4>"},
		{"full", 1.0, "<lora:full:1.0>"},
		{"rounded", 0.75, "<lora:rounded:0.8>"},
		{"zero", 0, "<lora:zero:0.0>"},
	}
	for _, tt := range tests {
		if got := LoraToken(tt.name, tt.weight); got != tt.expected {
			t.Fatalf("LoraToken(%q, %v) = %q, want %q", tt.name, tt.weight, got, tt.expected)
		}
	}
}

func TestJoinWords(t *testing.T) {
	if got := JoinWords([]string{"hires fix", "", "  sharp  "}); got != "hires fix, sharp" {
		t.Fatalf("JoinWords = %q", got)
	}
	if got := JoinWords(nil); got != "" {
		t.Fatalf("JoinWords(nil) = %q", got)
	}
}

func TestCompose(t *testing.T) {
	got := Compose("a cat", "<lora:catstyle:0.8>", "", "<lora:hires:0.4>", "hires fix", "")
	want := "a cat <lora:catstyle:0.8> <lora:hires:0.4> hires fix"
	if got != want {
		t.Fatalf("Compose = %q, want %q", got, want)
	}
	if got := Compose("  spaced   out  "); got != "spaced out" {
		t.Fatalf("Compose collapse = %q", got)
	}
	if got := Compose(); got != "" {
		t.Fatalf("Compose() = %q", got)
	}
}
