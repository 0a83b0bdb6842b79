package pnshare

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestIdentityDeterministicSeed(t *testing.T) {
	a := testIdentity(t, "same seed")
	b := testIdentity(t, "same seed")
	if a.Fingerprint() != b.Fingerprint() {
		t.Errorf("same seed gave different fingerprints: %q vs %q", a.Fingerprint(), b.Fingerprint())
	}
	c := testIdentity(t, "another seed")
	if a.Fingerprint() == c.Fingerprint() {
		t.Errorf("different seeds gave the same fingerprint")
	}
}

func TestIdentityRandom(t *testing.T) {
	a := testIdentity(t, "")
	b := testIdentity(t, "")
	if a.Fingerprint() == b.Fingerprint() {
		t.Errorf("random identities collided")
	}
}

func TestFingerprintFormat(t *testing.T) {
	fp := testIdentity(t, "seed").Fingerprint()
	parts := strings.Split(fp, ":")
	if len(parts) != 16 {
		t.Fatalf("fingerprint %q has %d segments, want 16", fp, len(parts))
	}
	for _, p := range parts {
		if len(p) != 2 {
			t.Errorf("fingerprint segment %q is not two hex digits", p)
		}
	}
}

func TestPeerIndexAllowsListedPeers(t *testing.T) {
	allowed := testIdentity(t, "allowed").Fingerprint()
	dir, err := ioutil.TempDir("", "peers")
	if err != nil {
		t.Fatalf("TempDir failed: %s", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "peers")
	content := "# trusted peers\n" + allowed + "\n"
	if err := ioutil.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	pi, err := NewPeerIndex(testLogger(), path)
	if err != nil {
		t.Fatalf("NewPeerIndex failed: %s", err)
	}
	defer pi.Close()

	if !pi.AllowPeer(allowed) {
		t.Errorf("listed fingerprint not allowed")
	}
	if pi.AllowPeer(testIdentity(t, "stranger").Fingerprint()) {
		t.Errorf("unlisted fingerprint allowed")
	}
	if pi.Len() != 1 {
		t.Errorf("expected 1 pinned fingerprint, got %d", pi.Len())
	}
}

func TestPeerIndexHotReload(t *testing.T) {
	first := testIdentity(t, "first").Fingerprint()
	second := testIdentity(t, "second").Fingerprint()
	dir, err := ioutil.TempDir("", "peers")
	if err != nil {
		t.Fatalf("TempDir failed: %s", err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "peers")
	if err := ioutil.WriteFile(path, []byte(first+"\n"), 0600); err != nil {
		t.Fatalf("WriteFile failed: %s", err)
	}

	pi, err := NewPeerIndex(testLogger(), path)
	if err != nil {
		t.Fatalf("NewPeerIndex failed: %s", err)
	}
	defer pi.Close()
	if pi.AllowPeer(second) {
		t.Fatalf("second fingerprint allowed before reload")
	}

	if err := ioutil.WriteFile(path, []byte(second+"\n"), 0600); err != nil {
		t.Fatalf("rewrite failed: %s", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for !pi.AllowPeer(second) {
		if time.Now().After(deadline) {
			t.Fatalf("authorized peers file change was not picked up")
		}
		time.Sleep(20 * time.Millisecond)
	}
	if pi.AllowPeer(first) {
		t.Errorf("removed fingerprint still allowed")
	}
}

func TestPeerIndexMissingFile(t *testing.T) {
	if _, err := NewPeerIndex(testLogger(), "/nonexistent/never/peers"); err == nil {
		t.Errorf("expected error for missing authorized peers file")
	}
}
