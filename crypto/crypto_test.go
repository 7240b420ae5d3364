package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
)

func newTestKey(t *testing.T) string {
	t.Helper()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return base64.StdEncoding.EncodeToString(key)
}

func TestNewAESSealer(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		errorMsg string
	}{
		{"empty key", "", "encryption key is empty"},
		{"invalid base64", "not-valid-base64!@#$", "base64 decode failed"},
		{"key too short", base64.StdEncoding.EncodeToString(make([]byte, 16)), "must be 32 bytes"},
		{"key too long", base64.StdEncoding.EncodeToString(make([]byte, 64)), "must be 32 bytes"},
		{"valid 32-byte key", base64.StdEncoding.EncodeToString(make([]byte, 32)), ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := NewAESSealer(tt.key, "")
			if tt.errorMsg != "" {
				if err == nil || !strings.Contains(err.Error(), tt.errorMsg) {
					t.Fatalf("NewAESSealer() error = %v, want containing %q", err, tt.errorMsg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.KeyID() != "default" {
				t.Errorf("KeyID() = %q, want default", s.KeyID())
			}
		})
	}
}

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewAESSealer(newTestKey(t), "k1")
	if err != nil {
		t.Fatal(err)
	}
	for _, pt := range []string{"xoxb-123", "xoxp-" + strings.Repeat("a", 500), "ünïcødé"} {
		ct, err := s.Seal([]byte(pt), "T1")
		if err != nil {
			t.Fatalf("Seal: %v", err)
		}
		got, err := s.Open(ct, "T1")
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if !bytes.Equal(got, []byte(pt)) {
			t.Errorf("round trip mismatch: got %q want %q", got, pt)
		}
	}
}

func TestSealIsNonDeterministic(t *testing.T) {
	s, _ := NewAESSealer(newTestKey(t), "")
	a, _ := s.Seal([]byte("same"), "T1")
	b, _ := s.Seal([]byte("same"), "T1")
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext must differ (random nonce)")
	}
}

func TestOpenRejectsOtherOwner(t *testing.T) {
	s, _ := NewAESSealer(newTestKey(t), "")
	ct, _ := s.Seal([]byte("xoxb-secret"), "T1")
	if _, err := s.Open(ct, "T2"); !errors.Is(err, ErrOpen) {
		t.Fatalf("Open with another owner: err = %v, want ErrOpen", err)
	}
}

func TestOpenRejectsTamperingAndShortInput(t *testing.T) {
	s, _ := NewAESSealer(newTestKey(t), "")
	ct, _ := s.Seal([]byte("xoxb-secret"), "T1")
	ct[len(ct)-1] ^= 0xff
	if _, err := s.Open(ct, "T1"); !errors.Is(err, ErrOpen) {
		t.Errorf("tampered: err = %v, want ErrOpen", err)
	}
	if _, err := s.Open([]byte{1, 2, 3}, "T1"); err == nil {
		t.Error("expected error for short ciphertext")
	}
}

func TestOpenRejectsWrongKey(t *testing.T) {
	s1, _ := NewAESSealer(newTestKey(t), "")
	s2, _ := NewAESSealer(newTestKey(t), "")
	ct, _ := s1.Seal([]byte("xoxb-secret"), "T1")
	if _, err := s2.Open(ct, "T1"); err == nil {
		t.Error("expected error when opening with a different key")
	}
}

func TestSealEmptyPlaintext(t *testing.T) {
	s, _ := NewAESSealer(newTestKey(t), "")
	if _, err := s.Seal(nil, "T1"); err == nil {
		t.Error("expected error for empty plaintext")
	}
}

func TestSealStringOpenString(t *testing.T) {
	s, _ := NewAESSealer(newTestKey(t), "")
	sealed, err := SealString(s, "xoxb-1", "T1")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == "xoxb-1" {
		t.Fatal("sealed string should not equal plaintext")
	}
	if _, err := base64.StdEncoding.DecodeString(sealed); err != nil {
		t.Fatalf("sealed string is not base64: %v", err)
	}
	got, err := OpenString(s, sealed, "T1")
	if err != nil || got != "xoxb-1" {
		t.Fatalf("OpenString = %q, %v", got, err)
	}

	if v, err := SealString(s, "", "T1"); err != nil || v != "" {
		t.Errorf("empty SealString = %q, %v", v, err)
	}
	if v, err := OpenString(s, "", "T1"); err != nil || v != "" {
		t.Errorf("empty OpenString = %q, %v", v, err)
	}
	if _, err := OpenString(s, "!!!", "T1"); err == nil {
		t.Error("expected base64 error")
	}
}
