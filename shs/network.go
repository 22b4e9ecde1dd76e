/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shs

import (
	"crypto/ed25519"
	"io"
	"net"
	"time"

	"github.com/ssbc/ssbdrv/keys"
)

// handshakeTimeout bounds the whole 4-message exchange; the protocol
// itself carries no timeout.
const handshakeTimeout = 30 * time.Second

// Conn is an authenticated, encrypted duplex stream over a net.Conn.
type Conn struct {
	c        net.Conn
	boxer    *Boxer
	unboxer  *Unboxer
	remoteID string
}

// ClientConn dials the handshake as the initiator and wraps the
// connection on success.
func ClientConn(c net.Conn, secret *keys.Secret, serverPub ed25519.PublicKey, appKey []byte) (*Conn, error) {
	hs, err := NewClient(secret, serverPub, nil, appKey)
	if err != nil {
		return nil, err
	}
	c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetDeadline(time.Time{})

	if _, err = c.Write(hs.Challenge()); err != nil {
		return nil, err
	}
	buf := make([]byte, ChallengeLength)
	if _, err = io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	if err = hs.VerifyServerChallenge(buf); err != nil {
		return nil, err
	}
	if _, err = c.Write(hs.ClientAuth()); err != nil {
		return nil, err
	}
	buf = make([]byte, AcceptLength)
	if _, err = io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	if err = hs.VerifyServerAccept(buf); err != nil {
		return nil, err
	}
	return newConn(c, hs.BoxKeys(), hs.RemoteID()), nil
}

// ServerConn accepts the handshake and wraps the connection on success.
func ServerConn(c net.Conn, secret *keys.Secret, appKey []byte) (*Conn, error) {
	hs, err := NewServer(secret, nil, appKey)
	if err != nil {
		return nil, err
	}
	c.SetDeadline(time.Now().Add(handshakeTimeout))
	defer c.SetDeadline(time.Time{})

	buf := make([]byte, ChallengeLength)
	if _, err = io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	if err = hs.VerifyClientChallenge(buf); err != nil {
		return nil, err
	}
	if _, err = c.Write(hs.Challenge()); err != nil {
		return nil, err
	}
	buf = make([]byte, ClientAuthLength)
	if _, err = io.ReadFull(c, buf); err != nil {
		return nil, err
	}
	if err = hs.VerifyClientAuth(buf); err != nil {
		return nil, err
	}
	if _, err = c.Write(hs.Accept()); err != nil {
		return nil, err
	}
	return newConn(c, hs.BoxKeys(), hs.RemoteID()), nil
}

func newConn(c net.Conn, k Keys, remoteID string) *Conn {
	return &Conn{
		c:        c,
		boxer:    NewBoxer(c, k.EncryptKey, k.EncryptNonce),
		unboxer:  NewUnboxer(c, k.DecryptKey, k.DecryptNonce),
		remoteID: remoteID,
	}
}

// ReadRecord returns the next decrypted record; io.EOF on clean close.
func (c *Conn) ReadRecord() ([]byte, error) {
	return c.unboxer.ReadRecord()
}

func (c *Conn) Write(p []byte) (int, error) {
	return c.boxer.Write(p)
}

// Close sends the termination record and closes the socket.
func (c *Conn) Close() error {
	c.boxer.Close()
	return c.c.Close()
}

// RemoteID reports the authenticated identity of the peer.
func (c *Conn) RemoteID() string {
	return c.remoteID
}

// RemoteAddr exposes the transport address for logging.
func (c *Conn) RemoteAddr() net.Addr {
	return c.c.RemoteAddr()
}
