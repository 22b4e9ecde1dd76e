/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package shs implements the secret-handshake mutual authentication
// protocol and the box-stream record layer it negotiates.
package shs

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/ssbc/ssbdrv/keys"
)

const (
	ChallengeLength  = 64
	ClientAuthLength = 112
	AcceptLength     = 80
)

var (
	ErrHandshakeFailed = errors.New("handshake failed")
	ErrBadLength       = errors.New("handshake message has wrong length")
)

// DefaultAppKey distinguishes the main SSB application network.
var DefaultAppKey, _ = base64.StdEncoding.DecodeString(`1KHLiKZvAvjbY1ziZEHMXawbCEIM6qwjCDm3VYRan/s=`)

// Keys is the symmetric material a finished handshake hands to the
// box-stream layer.
type Keys struct {
	SharedSecret [32]byte
	EncryptKey   [32]byte
	DecryptKey   [32]byte
	EncryptNonce [24]byte
	DecryptNonce [24]byte
}

// appHMAC is HMAC-SHA512 truncated to 32 bytes.
func appHMAC(appKey, msg []byte) [32]byte {
	m := hmac.New(sha512.New, appKey)
	m.Write(msg)
	var out [32]byte
	copy(out[:], m.Sum(nil)[:32])
	return out
}

type hsState struct {
	appKey        []byte
	secret        *keys.Secret
	ephPriv       [32]byte
	ephPub        [32]byte
	localAppHMAC  [32]byte
	remoteAppHMAC [32]byte
	remoteEphPub  [32]byte
	sharedAB      [32]byte
	sharedHash    [32]byte
}

func newState(secret *keys.Secret, ephSeed, appKey []byte) (*hsState, error) {
	st := &hsState{appKey: appKey, secret: secret}
	if len(appKey) == 0 {
		st.appKey = DefaultAppKey
	}
	if ephSeed == nil {
		ephSeed = make([]byte, 32)
		if _, err := rand.Read(ephSeed); err != nil {
			return nil, err
		}
	}
	if len(ephSeed) != 32 {
		return nil, ErrBadLength
	}
	copy(st.ephPriv[:], ephSeed)
	pub, err := curve25519.X25519(st.ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(st.ephPub[:], pub)
	st.localAppHMAC = appHMAC(st.appKey, st.ephPub[:])
	return st, nil
}

// challenge is the first message of either side: the application hmac
// of the ephemeral key followed by the key itself.
func (st *hsState) challenge() []byte {
	out := make([]byte, 0, ChallengeLength)
	out = append(out, st.localAppHMAC[:]...)
	out = append(out, st.ephPub[:]...)
	return out
}

// verifyChallenge checks the peer hmac and derives the ephemeral shared
// secret a*b.
func (st *hsState) verifyChallenge(data []byte) error {
	if len(data) != ChallengeLength {
		return ErrBadLength
	}
	sentHMAC, remoteEph := data[:32], data[32:]
	want := appHMAC(st.appKey, remoteEph)
	if !hmac.Equal(want[:], sentHMAC) {
		return fmt.Errorf("%w: bad challenge hmac", ErrHandshakeFailed)
	}
	st.remoteAppHMAC = want
	copy(st.remoteEphPub[:], remoteEph)
	ab, err := curve25519.X25519(st.ephPriv[:], remoteEph)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	copy(st.sharedAB[:], ab)
	st.sharedHash = sha256.Sum256(ab)
	return nil
}

// boxKeys derives the session keys from the final box secret.
func (st *hsState) boxKeys(boxSecret [32]byte, remotePub ed25519.PublicKey) Keys {
	var k Keys
	k.SharedSecret = sha256.Sum256(boxSecret[:])
	k.EncryptKey = sha256.Sum256(append(k.SharedSecret[:], remotePub...))
	k.DecryptKey = sha256.Sum256(append(k.SharedSecret[:], st.secret.Public...))
	copy(k.EncryptNonce[:], st.remoteAppHMAC[:24])
	copy(k.DecryptNonce[:], st.localAppHMAC[:24])
	return k
}

// Client drives the initiating side of the handshake.
type Client struct {
	st        *hsState
	remotePub ed25519.PublicKey
	aBob      [32]byte
	hello     []byte
	boxSecret [32]byte
}

// NewClient prepares a handshake toward the server with the given
// long-term public key. ephSeed may be nil for a random ephemeral key;
// appKey nil selects the default network.
func NewClient(secret *keys.Secret, serverPub ed25519.PublicKey, ephSeed, appKey []byte) (*Client, error) {
	st, err := newState(secret, ephSeed, appKey)
	if err != nil {
		return nil, err
	}
	return &Client{st: st, remotePub: serverPub}, nil
}

func (c *Client) Challenge() []byte {
	return c.st.challenge()
}

// VerifyServerChallenge consumes message 2 and precomputes the hello
// for message 3.
func (c *Client) VerifyServerChallenge(data []byte) error {
	if err := c.st.verifyChallenge(data); err != nil {
		return err
	}
	curvePub, err := keys.CurvePublic(c.remotePub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	aBob, err := curve25519.X25519(c.st.ephPriv[:], curvePub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	copy(c.aBob[:], aBob)
	c.boxSecret = sha256.Sum256(concat(c.st.appKey, c.st.sharedAB[:], aBob))

	signed := concat(c.st.appKey, c.remotePub, c.st.sharedHash[:])
	sig := ed25519.Sign(c.st.secret.Private, signed)
	c.hello = concat(sig, c.st.secret.Public)
	return nil
}

// ClientAuth produces message 3: the boxed hello.
func (c *Client) ClientAuth() []byte {
	var nonce [24]byte
	return secretbox.Seal(nil, c.hello, &nonce, &c.boxSecret)
}

// VerifyServerAccept consumes message 4, completing the handshake.
func (c *Client) VerifyServerAccept(data []byte) error {
	if len(data) != AcceptLength {
		return ErrBadLength
	}
	curvePriv := c.st.secret.CurvePrivate()
	bAlice, err := curve25519.X25519(curvePriv[:], c.st.remoteEphPub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	c.boxSecret = sha256.Sum256(concat(c.st.appKey, c.st.sharedAB[:], c.aBob[:], bAlice))
	var nonce [24]byte
	sig, ok := secretbox.Open(nil, data, &nonce, &c.boxSecret)
	if !ok {
		return fmt.Errorf("%w: cannot open server accept", ErrHandshakeFailed)
	}
	signed := concat(c.st.appKey, c.hello, c.st.sharedHash[:])
	if !ed25519.Verify(c.remotePub, signed, sig) {
		return fmt.Errorf("%w: bad server accept signature", ErrHandshakeFailed)
	}
	return nil
}

// BoxSecret exposes the final shared secret for the test vectors.
func (c *Client) BoxSecret() [32]byte {
	return c.boxSecret
}

func (c *Client) BoxKeys() Keys {
	return c.st.boxKeys(c.boxSecret, c.remotePub)
}

// RemoteID reports the canonical identity of the peer.
func (c *Client) RemoteID() string {
	return keys.IDFromPublic(c.remotePub)
}

// Server drives the accepting side of the handshake.
type Server struct {
	st        *hsState
	remotePub ed25519.PublicKey
	aBob      [32]byte
	hello     []byte
	boxSecret [32]byte
}

func NewServer(secret *keys.Secret, ephSeed, appKey []byte) (*Server, error) {
	st, err := newState(secret, ephSeed, appKey)
	if err != nil {
		return nil, err
	}
	return &Server{st: st}, nil
}

func (s *Server) Challenge() []byte {
	return s.st.challenge()
}

func (s *Server) VerifyClientChallenge(data []byte) error {
	return s.st.verifyChallenge(data)
}

// VerifyClientAuth consumes message 3, learning and verifying the
// client's long-term identity.
func (s *Server) VerifyClientAuth(data []byte) error {
	if len(data) != ClientAuthLength {
		return ErrBadLength
	}
	curvePriv := s.st.secret.CurvePrivate()
	aBob, err := curve25519.X25519(curvePriv[:], s.st.remoteEphPub[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	copy(s.aBob[:], aBob)
	boxSecret := sha256.Sum256(concat(s.st.appKey, s.st.sharedAB[:], aBob))
	var nonce [24]byte
	hello, ok := secretbox.Open(nil, data, &nonce, &boxSecret)
	if !ok {
		return fmt.Errorf("%w: cannot open client auth", ErrHandshakeFailed)
	}
	sig, clientPub := hello[:64], hello[64:]
	signed := concat(s.st.appKey, s.st.secret.Public, s.st.sharedHash[:])
	if !ed25519.Verify(ed25519.PublicKey(clientPub), signed, sig) {
		return fmt.Errorf("%w: bad client auth signature", ErrHandshakeFailed)
	}
	s.remotePub = append(ed25519.PublicKey(nil), clientPub...)
	s.hello = append([]byte(nil), hello...)

	clientCurve, err := keys.CurvePublic(s.remotePub)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	bAlice, err := curve25519.X25519(s.st.ephPriv[:], clientCurve[:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	s.boxSecret = sha256.Sum256(concat(s.st.appKey, s.st.sharedAB[:], aBob, bAlice))
	return nil
}

// Accept produces message 4: the boxed signature over the client hello.
func (s *Server) Accept() []byte {
	sig := ed25519.Sign(s.st.secret.Private, concat(s.st.appKey, s.hello, s.st.sharedHash[:]))
	var nonce [24]byte
	return secretbox.Seal(nil, sig, &nonce, &s.boxSecret)
}

func (s *Server) BoxSecret() [32]byte {
	return s.boxSecret
}

func (s *Server) BoxKeys() Keys {
	return s.st.boxKeys(s.boxSecret, s.remotePub)
}

func (s *Server) RemoteID() string {
	return keys.IDFromPublic(s.remotePub)
}

func concat(parts ...[]byte) []byte {
	var n int
	for _, p := range parts {
		n += len(p)
	}
	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
