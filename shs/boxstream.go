/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shs

import (
	"encoding/binary"
	"errors"
	"io"

	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// HeaderLength is 2 bytes of length, 16 of body MAC, 16 of header MAC.
	HeaderLength   = 2 + 16 + 16
	MaxSegmentSize = 4 * 1024
)

var (
	ErrBoxStream = errors.New("box-stream record failed to authenticate")
	ErrClosed    = errors.New("box-stream is closed")
)

var terminationHeader [18]byte

// incNonce advances a 24-byte big-endian nonce, wrapping to zero.
func incNonce(n *[24]byte) {
	for i := len(n) - 1; i >= 0; i-- {
		n[i]++
		if n[i] != 0 {
			break
		}
	}
}

// Boxer encrypts writes into box-stream records of at most 4096
// plaintext bytes each.
type Boxer struct {
	w     io.Writer
	key   [32]byte
	nonce [24]byte
}

func NewBoxer(w io.Writer, key [32]byte, nonce [24]byte) *Boxer {
	return &Boxer{w: w, key: key, nonce: nonce}
}

func (b *Boxer) Write(data []byte) (int, error) {
	written := 0
	for len(data) > 0 {
		chunk := data
		if len(chunk) > MaxSegmentSize {
			chunk = chunk[:MaxSegmentSize]
		}
		bodyNonce := b.nonce
		incNonce(&bodyNonce)
		body := secretbox.Seal(nil, chunk, &bodyNonce, &b.key) // 16-byte MAC + ciphertext

		var header [18]byte
		binary.BigEndian.PutUint16(header[:2], uint16(len(chunk)))
		copy(header[2:], body[:16])
		hdrBox := secretbox.Seal(nil, header[:], &b.nonce, &b.key)

		if _, err := b.w.Write(hdrBox); err != nil {
			return written, err
		}
		if _, err := b.w.Write(body[16:]); err != nil {
			return written, err
		}
		incNonce(&b.nonce)
		incNonce(&b.nonce)
		data = data[len(chunk):]
		written += len(chunk)
	}
	return written, nil
}

// Close emits the termination record (a boxed run of 18 zero bytes).
func (b *Boxer) Close() error {
	rec := secretbox.Seal(nil, terminationHeader[:], &b.nonce, &b.key)
	_, err := b.w.Write(rec)
	return err
}

// Unboxer decrypts box-stream records from the underlying reader.
type Unboxer struct {
	r      io.Reader
	key    [32]byte
	nonce  [24]byte
	closed bool
}

func NewUnboxer(r io.Reader, key [32]byte, nonce [24]byte) *Unboxer {
	return &Unboxer{r: r, key: key, nonce: nonce}
}

// ReadRecord returns the next plaintext record. The termination record
// and a clean underlying EOF both surface as io.EOF.
func (u *Unboxer) ReadRecord() ([]byte, error) {
	if u.closed {
		return nil, io.EOF
	}
	var hdrBox [HeaderLength]byte
	if _, err := io.ReadFull(u.r, hdrBox[:]); err != nil {
		u.closed = true
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	header, ok := secretbox.Open(nil, hdrBox[:], &u.nonce, &u.key)
	if !ok {
		u.closed = true
		return nil, ErrBoxStream
	}
	if [18]byte(header) == terminationHeader {
		u.closed = true
		return nil, io.EOF
	}
	length := binary.BigEndian.Uint16(header[:2])
	body := make([]byte, 16+int(length))
	copy(body, header[2:])
	if _, err := io.ReadFull(u.r, body[16:]); err != nil {
		u.closed = true
		return nil, err
	}
	bodyNonce := u.nonce
	incNonce(&bodyNonce)
	plain, ok := secretbox.Open(nil, body, &bodyNonce, &u.key)
	if !ok {
		u.closed = true
		return nil, ErrBoxStream
	}
	incNonce(&u.nonce)
	incNonce(&u.nonce)
	return plain, nil
}

// Closed reports whether the stream has terminated.
func (u *Unboxer) Closed() bool {
	return u.closed
}
