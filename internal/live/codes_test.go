package live

import (
	"strings"
	"testing"
)

func TestCodeGeneratorShape(t *testing.T) {
	gen := newCodeGenerator()
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		code := gen.next()
		if len(code) != codeLength {
			t.Fatalf("expected %d-char code, got %q", codeLength, code)
		}
		for _, r := range code {
			if !strings.ContainsRune(codeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	// 200 draws from a 36^6 space virtually never collide; a tiny set of
	// distinct values would mean the generator is broken.
	if len(seen) < 190 {
		t.Fatalf("suspiciously many duplicate codes: %d unique of 200", len(seen))
	}
}
