package credential

import (
	"path/filepath"
	"testing"
)

func newTestAuthority(t *testing.T) *Authority {
	t.Helper()
	a, err := LoadOrCreate(filepath.Join(t.TempDir(), "authority.json"), "self-1")
	if err != nil {
		t.Fatalf("LoadOrCreate: %v", err)
	}
	return a
}

func TestMintScopesToSelfID(t *testing.T) {
	a := newTestAuthority(t)
	cred, err := a.Mint("peer-a")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if cred.Scope != "peers/self-1/>" {
		t.Fatalf("scope = %q, want peers/self-1/>", cred.Scope)
	}
	if len(cred.Blob) == 0 {
		t.Fatal("expected non-empty credential blob")
	}
}

func TestMintIsIdempotentOverwritesOnReOffer(t *testing.T) {
	a := newTestAuthority(t)
	first, err := a.Mint("peer-a")
	if err != nil {
		t.Fatalf("Mint (first): %v", err)
	}
	second, err := a.Mint("peer-a")
	if err != nil {
		t.Fatalf("Mint (second): %v", err)
	}
	if string(first.Blob) == string(second.Blob) {
		t.Fatal("expected re-mint to produce a fresh credential, not reuse the old one")
	}
	if len(a.accounts) != 1 {
		t.Fatalf("expected exactly one live credential per peer id, got %d", len(a.accounts))
	}
}

func TestLoadOrCreatePersistsAccountKeyAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	statePath := filepath.Join(dir, "authority.json")

	a1, err := LoadOrCreate(statePath, "self-1")
	if err != nil {
		t.Fatalf("LoadOrCreate (first): %v", err)
	}
	pub1, _ := a1.account.PublicKey()

	a2, err := LoadOrCreate(statePath, "self-1")
	if err != nil {
		t.Fatalf("LoadOrCreate (second): %v", err)
	}
	pub2, _ := a2.account.PublicKey()

	if pub1 != pub2 {
		t.Fatalf("account key not stable across restart: %q != %q", pub1, pub2)
	}
}

func TestRevokeForgetsPeer(t *testing.T) {
	a := newTestAuthority(t)
	if _, err := a.Mint("peer-a"); err != nil {
		t.Fatalf("Mint: %v", err)
	}
	a.Revoke("peer-a")
	if _, ok := a.accounts["peer-a"]; ok {
		t.Fatal("expected peer-a to be forgotten after Revoke")
	}
}
