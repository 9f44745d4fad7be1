package utils

import (
	"strings"
	"testing"
)

func TestComputeContentHashIsDeterministic(t *testing.T) {
	a := ComputeContentHash("The Last Lighthouse", "Once upon a time...", "0xAbC123")
	b := ComputeContentHash("The Last Lighthouse", "Once upon a time...", "0xAbC123")
	if a != b {
		t.Fatalf("same inputs produced different hashes: %s vs %s", a, b)
	}
	if !IsValidContentHash(a) {
		t.Fatalf("hash is not 64 lowercase hex chars: %q", a)
	}
}

func TestComputeContentHashNormalizesCaseAndWhitespace(t *testing.T) {
	base := ComputeContentHash("My Story", "body text", "0xabc")
	variants := []struct {
		title, body, author string
	}{
		{"  My Story  ", "body text", "0xabc"},
		{"MY STORY", "body text", "0xabc"},
		{"My Story", "  Body Text\t", "0xABC"},
		{"my story", "BODY TEXT", "  0xAbC "},
	}
	for _, v := range variants {
		got := ComputeContentHash(v.title, v.body, v.author)
		if got != base {
			t.Fatalf("variant (%q,%q,%q) hashed to %s, want %s", v.title, v.body, v.author, got, base)
		}
	}
}

func TestComputeContentHashDetectsContentDifferences(t *testing.T) {
	base := ComputeContentHash("My Story", "body text", "0xabc")
	changed := []struct {
		title, body, author string
	}{
		{"My Story!", "body text", "0xabc"},
		{"My Story", "body text.", "0xabc"},
		{"My Story", "body text", "0xabd"},
		{"My Story", "body  text", "0xabc"}, // interior whitespace is significant
	}
	for _, v := range changed {
		got := ComputeContentHash(v.title, v.body, v.author)
		if got == base {
			t.Fatalf("variant (%q,%q,%q) collided with base hash", v.title, v.body, v.author)
		}
	}
}

func TestIsValidContentHash(t *testing.T) {
	valid := strings.Repeat("a0", 32)
	if !IsValidContentHash(valid) {
		t.Fatalf("expected %q to be valid", valid)
	}

	invalid := []string{
		"",
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
		strings.Repeat("A", 64), // uppercase is rejected, not coerced
		strings.Repeat("g", 64),
		strings.Repeat("a", 63) + " ",
	}
	for _, s := range invalid {
		if IsValidContentHash(s) {
			t.Fatalf("expected %q to be invalid", s)
		}
	}
}

func TestNormalizeAddress(t *testing.T) {
	if got := NormalizeAddress("  0xAbCdEf "); got != "0xabcdef" {
		t.Fatalf("NormalizeAddress = %q, want %q", got, "0xabcdef")
	}
}
