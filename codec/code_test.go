package codec

import (
	"errors"
	"strings"
	"testing"
)

func TestObfuscateKnownVector(t *testing.T) {
	got, err := Obfuscate("abcde")
	if err != nil {
		t.Fatalf("Obfuscate failed: %v", err)
	}
	if got != "91895" {
		t.Fatalf("expected 91895, got %q", got)
	}

	back, err := Deobfuscate(got)
	if err != nil {
		t.Fatalf("Deobfuscate failed: %v", err)
	}
	if back != "abcde" {
		t.Fatalf("expected abcde, got %q", back)
	}
}

func TestRoundTripAcrossCodeSpace(t *testing.T) {
	n := len(Alphabet)
	total := n * n * n * n * n
	buf := make([]byte, Length)
	for v := 0; v < total; v += 7919 {
		rem := v
		for i := Length - 1; i >= 0; i-- {
			buf[i] = Alphabet[rem%n]
			rem /= n
		}
		code := string(buf)

		obf, err := Obfuscate(code)
		if err != nil {
			t.Fatalf("Obfuscate(%q) failed: %v", code, err)
		}
		back, err := Deobfuscate(obf)
		if err != nil {
			t.Fatalf("Deobfuscate(%q) failed: %v", obf, err)
		}
		if back != code {
			t.Fatalf("round trip mismatch: %q -> %q -> %q", code, obf, back)
		}
	}
}

func TestObfuscateRejectsWrongLength(t *testing.T) {
	for _, code := range []string{"", "abcd", "abcdef", strings.Repeat("a", 32)} {
		got, err := Obfuscate(code)
		if !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("expected ErrInvalidLength for %q, got %v", code, err)
		}
		if got != "" {
			t.Fatalf("expected empty output on failure, got %q", got)
		}
		if _, err := Deobfuscate(code); !errors.Is(err, ErrInvalidLength) {
			t.Fatalf("expected ErrInvalidLength from Deobfuscate for %q, got %v", code, err)
		}
	}
}

func TestObfuscateRejectsInvalidCharacter(t *testing.T) {
	for _, code := range []string{"ABCDE", "ab-de", "abcd!"} {
		if _, err := Obfuscate(code); !errors.Is(err, ErrInvalidCharacter) {
			t.Fatalf("expected ErrInvalidCharacter for %q, got %v", code, err)
		}
	}
}

func TestGenerateProducesValidCodes(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 200; i++ {
		code, err := Generate()
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if !Valid(code) {
			t.Fatalf("generated invalid code %q", code)
		}
		seen[code] = struct{}{}
	}
	if len(seen) < 190 {
		t.Fatalf("expected mostly distinct codes, got %d distinct of 200", len(seen))
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  A1B2C \n"); got != "a1b2c" {
		t.Fatalf("expected a1b2c, got %q", got)
	}
}
