package crypto

import (
	"errors"
	"strings"
	"testing"
)

func testKey(fill byte) []byte {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = fill + byte(i)
	}
	return key
}

func TestSealOpen(t *testing.T) {
	kr, err := NewKeyring(map[int][]byte{1: testKey(0)})
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}

	tests := []struct {
		name      string
		plaintext string
	}{
		{"empty", ""},
		{"api_key", "abc123XYZ789"},
		{"long", "a fairly long api secret used to sign every private request to the exchange"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sealed, err := kr.Seal("user-1", tt.plaintext)
			if err != nil {
				t.Fatalf("Seal failed: %v", err)
			}
			if !strings.HasPrefix(sealed, "ENC[v1]:") {
				t.Errorf("missing version prefix: %s", sealed)
			}
			plain, err := kr.Open("user-1", sealed)
			if err != nil {
				t.Fatalf("Open failed: %v", err)
			}
			if plain != tt.plaintext {
				t.Errorf("plain = %q, want %q", plain, tt.plaintext)
			}
		})
	}
}

func TestOpenRejectsOtherOwner(t *testing.T) {
	kr, _ := NewKeyring(map[int][]byte{1: testKey(0)})
	sealed, _ := kr.Seal("user-1", "secret")
	if _, err := kr.Open("user-2", sealed); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("expected ErrDecryptionFailed, got %v", err)
	}
}

func TestRotateToNewestVersion(t *testing.T) {
	old, _ := NewKeyring(map[int][]byte{1: testKey(0)})
	sealed, _ := old.Seal("u", "secret")

	both, err := NewKeyring(map[int][]byte{1: testKey(0), 2: testKey(7)})
	if err != nil {
		t.Fatalf("NewKeyring failed: %v", err)
	}
	if both.CurrentVersion() != 2 {
		t.Fatalf("CurrentVersion=%d, expected 2", both.CurrentVersion())
	}
	rotated, err := both.Rotate("u", sealed)
	if err != nil {
		t.Fatalf("Rotate failed: %v", err)
	}
	if !strings.HasPrefix(rotated, "ENC[v2]:") {
		t.Errorf("rotated value not on v2: %s", rotated)
	}
	if _, err := old.Open("u", rotated); !errors.Is(err, ErrUnknownVersion) {
		t.Errorf("expected ErrUnknownVersion from old keyring, got %v", err)
	}
}

func TestInvalidInputs(t *testing.T) {
	if _, err := NewKeyring(map[int][]byte{1: []byte("short")}); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("expected ErrInvalidKey, got %v", err)
	}
	kr, _ := KeyringFromSecret("dev-passphrase")
	for _, in := range []string{"", "plain", "ENC[v1]", "ENC[vx]:abc", "ENC[v1]:!!notbase64"} {
		if _, err := kr.Open("u", in); err == nil {
			t.Errorf("Open(%q) expected error", in)
		}
	}
}
