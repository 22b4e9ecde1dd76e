/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package keys

import (
	"bytes"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/curve25519"
)

const (
	testSeedB64 = `Mz2qkNOP2K6upnqibWrR+z8pVUI1ReA1MLc7QMtF2qQ=`
	testID      = `@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519`
)

func testSecret(t *testing.T) *Secret {
	t.Helper()
	seed, err := base64.StdEncoding.DecodeString(testSeedB64)
	if err != nil {
		t.Fatal(err)
	}
	s, err := FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestIdentityFromSeed(t *testing.T) {
	s := testSecret(t)
	if s.ID != testID {
		t.Fatalf("id mismatch: %s", s.ID)
	}
	pub, err := IDBytes(s.ID)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(pub, s.Public) {
		t.Fatal("IDBytes does not round-trip the public key")
	}
}

func TestSignVerify(t *testing.T) {
	s := testSecret(t)
	msg := []byte("attack at dawn")
	sig := s.Sign(msg)
	if !Verify(s.ID, msg, sig) {
		t.Fatal("signature did not verify")
	}
	if Verify(s.ID, []byte("attack at dusk"), sig) {
		t.Fatal("signature verified against wrong message")
	}
	other := testSecret(t)
	other.ID = `@AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=.ed25519`
	if Verify(other.ID, msg, sig) {
		t.Fatal("signature verified against wrong identity")
	}
}

func TestSecretFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	created, err := CreateSecret(path)
	if err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadSecret(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ID != created.ID {
		t.Fatalf("id changed across reload: %s vs %s", loaded.ID, created.ID)
	}
	if !bytes.Equal(loaded.Private, created.Private) {
		t.Fatal("private key changed across reload")
	}
	if _, err = CreateSecret(path); err != ErrSecretExists {
		t.Fatalf("want ErrSecretExists, got %v", err)
	}
	// the file must carry the human-readable warnings
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(raw, []byte("# this is your SECRET name.")) {
		t.Fatal("secret file is missing its prologue")
	}
}

func TestLoadSecretRejectsUnknownCurve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	body := `{"curve":"foo","private":"x.ed25519","public":"y.ed25519","id":"@y.ed25519"}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadSecret(path); err == nil {
		t.Fatal("expected curve rejection")
	}
}

func TestCurveConversionConsistency(t *testing.T) {
	s := testSecret(t)
	priv := s.CurvePrivate()
	derived, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := CurvePublic(s.Public)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(derived, pub[:]) {
		t.Fatalf("converted keys disagree:\n priv-derived %x\n pub-converted %x", derived, pub)
	}
}

func TestBlobAndMessageIDs(t *testing.T) {
	data := []byte("hello")
	bid := BlobID(data)
	if bid[0] != '&' || !bytes.HasSuffix([]byte(bid), []byte(HashSuffix)) {
		t.Fatalf("bad blob id %s", bid)
	}
	mid := MessageID([]byte("{}"))
	if mid[0] != '%' || !bytes.HasSuffix([]byte(mid), []byte(HashSuffix)) {
		t.Fatalf("bad message id %s", mid)
	}
}
