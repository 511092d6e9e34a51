package securerandom

import (
	"bytes"
	"testing"
)

func TestBytesLength(t *testing.T) {
	for _, n := range []int{1, 16, 32, 64} {
		b, err := Bytes(n)
		if err != nil {
			t.Fatalf("Bytes(%d): %v", n, err)
		}
		if len(b) != n {
			t.Errorf("Bytes(%d) returned %d bytes", n, len(b))
		}
	}
}

func TestBytesNotRepeated(t *testing.T) {
	a, err := Bytes(32)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	b, err := Bytes(32)
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if bytes.Equal(a, b) {
		t.Error("two 32-byte reads returned identical data")
	}
}

func TestKey(t *testing.T) {
	k, err := Key()
	if err != nil {
		t.Fatalf("Key: %v", err)
	}
	if len(k) != 32 {
		t.Errorf("Key() returned %d bytes, want 32", len(k))
	}
}
