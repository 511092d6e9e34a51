package store

import (
	"context"
	"path/filepath"
	"testing"
)

// both backends must satisfy the same contract
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	rs, err := s.RoomSettings(ctx, "!unknown:example.org")
	if err != nil {
		t.Fatalf("RoomSettings for unknown room: %v", err)
	}
	if rs != nil {
		t.Fatalf("expected nil settings for unknown room, got %+v", rs)
	}

	want := NewRoomSettings("!room:example.org", "m.megolm.v1.aes-sha2")
	if want.RotationPeriodSeconds != DefaultRotationPeriodSeconds {
		t.Fatalf("default rotation seconds = %d", want.RotationPeriodSeconds)
	}
	if want.RotationPeriodMessages != DefaultRotationPeriodMessages {
		t.Fatalf("default rotation messages = %d", want.RotationPeriodMessages)
	}
	if err := s.SetRoomSettings(ctx, want); err != nil {
		t.Fatalf("SetRoomSettings: %v", err)
	}

	got, err := s.RoomSettings(ctx, want.RoomID)
	if err != nil {
		t.Fatalf("RoomSettings: %v", err)
	}
	if got == nil {
		t.Fatal("expected stored settings, got nil")
	}
	if *got != want {
		t.Errorf("stored settings = %+v, want %+v", *got, want)
	}

	// Replace with updated values.
	want.OnlyAllowTrustedDevices = true
	want.RotationPeriodMessages = 50
	if err := s.SetRoomSettings(ctx, want); err != nil {
		t.Fatalf("SetRoomSettings replace: %v", err)
	}
	got, err = s.RoomSettings(ctx, want.RoomID)
	if err != nil {
		t.Fatalf("RoomSettings after replace: %v", err)
	}
	if *got != want {
		t.Errorf("replaced settings = %+v, want %+v", *got, want)
	}

	// Missing room id is rejected.
	if err := s.SetRoomSettings(ctx, RoomSettings{Algorithm: "m.megolm.v1.aes-sha2"}); err == nil {
		t.Error("expected error storing settings without a room id")
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore()
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := OpenSQLite(context.Background(), path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteStorePersists(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "settings.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	want := NewRoomSettings("!room:example.org", "m.megolm.v1.aes-sha2")
	if err := s.SetRoomSettings(ctx, want); err != nil {
		t.Fatalf("SetRoomSettings: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	got, err := s.RoomSettings(ctx, want.RoomID)
	if err != nil {
		t.Fatalf("RoomSettings after reopen: %v", err)
	}
	if got == nil || *got != want {
		t.Errorf("settings after reopen = %+v, want %+v", got, want)
	}
}
