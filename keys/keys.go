/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package keys implements SSB identities: Ed25519 keypairs stored in
// the secret file, the string forms of identity/message/blob ids, and
// the Curve25519 conversions the handshake needs.
package keys

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"filippo.io/edwards25519"
	"github.com/goccy/go-json"
)

const (
	IdentitySuffix  = `.ed25519`
	HashSuffix      = `.sha256`
	SignatureSuffix = `.sig.ed25519`
)

var (
	ErrNoSecret      = errors.New("no file with secret")
	ErrUnknownCurve  = errors.New("unknown curve in secret file")
	ErrBadIdentity   = errors.New("malformed identity string")
	ErrSecretExists  = errors.New("secret file already exists")
	ErrShortKey      = errors.New("key material has wrong length")
	ErrBadPublicKey  = errors.New("public key is not a valid curve point")
	ErrBadSecretFile = errors.New("malformed secret file")
)

const secretPrologue = `# this is your SECRET name.
# this name gives you magical powers.
# with it you can mark your messages so that your friends can verify
# that they really did come from you.
#
# if any one learns this name, they can use it to destroy your identity
# NEVER show this to anyone!!!

`

const secretEpilogue = `

# WARNING! It's vital that you DO NOT edit OR share your secret name
# instead, share your public name
# your public name: `

// secretFile is the JSON payload inside the secret file.
type secretFile struct {
	Curve   string `json:"curve"`
	Private string `json:"private"`
	Public  string `json:"public"`
	ID      string `json:"id"`
}

// Secret is a local identity: the full Ed25519 keypair plus its
// canonical id string.
type Secret struct {
	ID      string
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// IDFromPublic renders the canonical identity string of a public key.
func IDFromPublic(pub ed25519.PublicKey) string {
	return `@` + base64.StdEncoding.EncodeToString(pub) + IdentitySuffix
}

// IDBytes decodes the key material out of an identity, message, or blob
// id, dropping the sigil and the algorithm suffix.
func IDBytes(id string) ([]byte, error) {
	if len(id) < 2 {
		return nil, ErrBadIdentity
	}
	body := id[1:]
	if i := strings.IndexByte(body, '.'); i >= 0 {
		body = body[:i]
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadIdentity, err)
	}
	return raw, nil
}

// MessageID computes the id of a canonically formatted signed message.
func MessageID(msg []byte) string {
	h := sha256.Sum256(msg)
	return `%` + base64.StdEncoding.EncodeToString(h[:]) + HashSuffix
}

// BlobID computes the id of a blob.
func BlobID(data []byte) string {
	h := sha256.Sum256(data)
	return `&` + base64.StdEncoding.EncodeToString(h[:]) + HashSuffix
}

// Sign produces the detached signature over data, encoded with the
// `.sig.ed25519` suffix used inside messages.
func (s *Secret) Sign(data []byte) string {
	sig := ed25519.Sign(s.Private, data)
	return base64.StdEncoding.EncodeToString(sig) + SignatureSuffix
}

// Verify checks a detached signature against the identity string.
// sig may carry the `.sig.ed25519` suffix.
func Verify(id string, data []byte, sig string) bool {
	pub, err := IDBytes(id)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(sig, SignatureSuffix))
	if err != nil || len(raw) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub), data, raw)
}

// CurvePrivate converts the Ed25519 private key into its Curve25519
// scalar for the handshake's scalar multiplications.
func (s *Secret) CurvePrivate() [32]byte {
	h := sha512.Sum512(s.Private.Seed())
	var out [32]byte
	copy(out[:], h[:32])
	out[0] &= 248
	out[31] &= 127
	out[31] |= 64
	return out
}

// CurvePublic converts an Ed25519 public key to its Curve25519 form.
func CurvePublic(pub []byte) ([32]byte, error) {
	var out [32]byte
	if len(pub) != ed25519.PublicKeySize {
		return out, ErrShortKey
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrBadPublicKey, err)
	}
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// FromSeed builds a Secret from a raw 32-byte Ed25519 seed.
func FromSeed(seed []byte) (*Secret, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, ErrShortKey
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &Secret{
		ID:      IDFromPublic(pub),
		Public:  pub,
		Private: priv,
	}, nil
}

// LoadSecret reads and parses a secret file, skipping the comment
// prologue and epilogue.
func LoadSecret(path string) (*Secret, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSecret
		}
		return nil, err
	}
	var kept []string
	for _, ln := range strings.Split(string(raw), "\n") {
		if len(ln) == 0 || ln[0] == '#' {
			continue
		}
		kept = append(kept, ln)
	}
	var sf secretFile
	if err := json.Unmarshal([]byte(strings.Join(kept, "\n")), &sf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSecretFile, err)
	}
	if sf.Curve != `ed25519` {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCurve, sf.Curve)
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSuffix(sf.Private, IdentitySuffix))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSecretFile, err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, ErrShortKey
	}
	key := ed25519.PrivateKey(priv)
	pub := key.Public().(ed25519.PublicKey)
	return &Secret{
		ID:      IDFromPublic(pub),
		Public:  pub,
		Private: key,
	}, nil
}

// CreateSecret generates a fresh identity and writes the secret file
// with its human-readable warnings. It refuses to clobber an existing
// file.
func CreateSecret(path string) (*Secret, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, ErrSecretExists
	}
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return writeSecret(path, priv)
}

func writeSecret(path string, priv ed25519.PrivateKey) (*Secret, error) {
	pub := priv.Public().(ed25519.PublicKey)
	sf := secretFile{
		Curve:   `ed25519`,
		Private: base64.StdEncoding.EncodeToString(priv) + IdentitySuffix,
		Public:  base64.StdEncoding.EncodeToString(pub) + IdentitySuffix,
	}
	sf.ID = `@` + sf.Public
	body, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(secretPrologue)
	sb.Write(body)
	sb.WriteString(secretEpilogue + sf.ID + "\n")
	if err := os.WriteFile(path, []byte(sb.String()), 0600); err != nil {
		return nil, err
	}
	return &Secret{ID: sf.ID, Public: pub, Private: priv}, nil
}
