package store

import (
	"context"
	"errors"
	"testing"
)

func TestEnsureSystemKeyGeneratesOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := 0
	gen := func() (string, error) {
		calls++
		return "key-material", nil
	}

	k1, created, err := s.EnsureSystemKey(ctx, KeyPurposeHubToken, gen)
	if err != nil {
		t.Fatalf("EnsureSystemKey: %v", err)
	}
	if !created {
		t.Error("first ensure should create")
	}
	k2, created, err := s.EnsureSystemKey(ctx, KeyPurposeHubToken, gen)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Error("second ensure must not create")
	}
	if calls != 1 {
		t.Errorf("generator called %d times, want 1", calls)
	}
	if k1.KeyID != k2.KeyID {
		t.Error("both ensures should return the same key")
	}
}

func TestActiveSystemKeyMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.ActiveSystemKey(context.Background(), KeyPurposeJWT); !errors.Is(err, ErrNoActiveKey) {
		t.Errorf("got %v, want ErrNoActiveKey", err)
	}
}

func TestRotateSystemKey(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old, _, err := s.EnsureSystemKey(ctx, KeyPurposeJWT, func() (string, error) {
		return "old-material", nil
	})
	if err != nil {
		t.Fatal(err)
	}

	fresh, err := s.RotateSystemKey(ctx, KeyPurposeJWT, "new-material")
	if err != nil {
		t.Fatalf("RotateSystemKey: %v", err)
	}
	if fresh.KeyID == old.KeyID {
		t.Error("rotation must mint a new key id")
	}

	active, err := s.ActiveSystemKey(ctx, KeyPurposeJWT)
	if err != nil {
		t.Fatal(err)
	}
	if active.KeyID != fresh.KeyID || active.Value != "new-material" {
		t.Errorf("active key after rotation: %+v", active)
	}

	// Purposes rotate independently.
	hub, _, err := s.EnsureSystemKey(ctx, KeyPurposeHubToken, func() (string, error) {
		return "hub-material", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.RotateSystemKey(ctx, KeyPurposeJWT, "newer-material"); err != nil {
		t.Fatal(err)
	}
	stillHub, err := s.ActiveSystemKey(ctx, KeyPurposeHubToken)
	if err != nil {
		t.Fatal(err)
	}
	if stillHub.KeyID != hub.KeyID {
		t.Error("rotating jwt_signing must not touch hub_token_encryption")
	}
}

func TestEnsureMetaInstallSalt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	calls := 0
	salt1, err := s.EnsureMeta(ctx, MetaInstallSalt, func() (string, error) {
		calls++
		return "salt-value", nil
	})
	if err != nil {
		t.Fatalf("EnsureMeta: %v", err)
	}
	salt2, err := s.EnsureMeta(ctx, MetaInstallSalt, func() (string, error) {
		calls++
		return "different", nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if salt1 != "salt-value" || salt2 != "salt-value" {
		t.Errorf("salt must be stable: %q then %q", salt1, salt2)
	}
	if calls != 1 {
		t.Errorf("generator called %d times, want 1", calls)
	}
}
