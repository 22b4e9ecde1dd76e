/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shs

import (
	"bytes"
	"io"
	"testing"
)

const (
	boxMsg1   = `ce76ed45066c0213c81756fa8b5a3f8842254fb04c9f8e8c30791d76c0c9f69dc2dfdbee9d`
	boxMsg2   = `1431d6331364d1ec5a9bd0d403cd523f27aa2e89499249f967754caa063feaca2f7d882ab2`
	boxMsg3   = `cb5959f10fa54f1372a62215c59d0d2e2a0b92106da6280c0cc631806a81298030eddaada1`
	boxClosed = `b114685527b54da622039d7579a1d46576572cdc4518e42b204334e86896edc59480`
)

func boxFixtures(t *testing.T) ([32]byte, [24]byte) {
	t.Helper()
	var key [32]byte
	var nonce [24]byte
	copy(key[:], unhex(t, clientEncKeyHex))
	copy(nonce[:], unhex(t, clientEncNonce))
	return key, nonce
}

func TestBoxerVectors(t *testing.T) {
	key, nonce := boxFixtures(t)
	var buf bytes.Buffer
	bx := NewBoxer(&buf, key, nonce)

	for i, step := range []struct {
		plain string
		want  string
	}{
		{`foo`, boxMsg1},
		{`foo`, boxMsg2},
		{`bar`, boxMsg3},
	} {
		buf.Reset()
		if _, err := bx.Write([]byte(step.plain)); err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(buf.Bytes(), unhex(t, step.want)) {
			t.Fatalf("record %d mismatch\n got %x", i+1, buf.Bytes())
		}
	}
	buf.Reset()
	if err := bx.Close(); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf.Bytes(), unhex(t, boxClosed)) {
		t.Fatalf("close record mismatch\n got %x", buf.Bytes())
	}
}

func TestUnboxerVectors(t *testing.T) {
	key, nonce := boxFixtures(t)
	stream := append(unhex(t, boxMsg1), unhex(t, boxMsg2)...)
	stream = append(stream, unhex(t, boxMsg3)...)
	stream = append(stream, unhex(t, boxClosed)...)

	ubx := NewUnboxer(bytes.NewReader(stream), key, nonce)
	var got []string
	for {
		rec, err := ubx.ReadRecord()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, string(rec))
	}
	want := []string{`foo`, `foo`, `bar`}
	if len(got) != len(want) {
		t.Fatalf("got %d records, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("record %d: got %q want %q", i, got[i], want[i])
		}
	}
	if !ubx.Closed() {
		t.Fatal("stream should be closed after the termination record")
	}
}

func TestBoxStreamRoundTrip(t *testing.T) {
	key, nonce := boxFixtures(t)
	data := make([]byte, 6*1024)
	for i := range data {
		data[i] = byte(i % 256)
	}
	var buf bytes.Buffer
	bx := NewBoxer(&buf, key, nonce)
	if _, err := bx.Write(data); err != nil {
		t.Fatal(err)
	}
	// two records, each with a 34-byte header
	if buf.Len() != len(data)+2*HeaderLength {
		t.Fatalf("unexpected stream size %d", buf.Len())
	}
	ubx := NewUnboxer(&buf, key, nonce)
	first, err := ubx.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first, data[:MaxSegmentSize]) {
		t.Fatal("first record mismatch")
	}
	second, err := ubx.ReadRecord()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(second, data[MaxSegmentSize:]) {
		t.Fatal("second record mismatch")
	}
}

func TestUnboxerTruncatedStream(t *testing.T) {
	key, nonce := boxFixtures(t)
	rec := unhex(t, boxMsg1)
	ubx := NewUnboxer(bytes.NewReader(rec[:10]), key, nonce)
	if _, err := ubx.ReadRecord(); err != io.EOF {
		t.Fatalf("want io.EOF on truncation, got %v", err)
	}
}

func TestNonceIncrement(t *testing.T) {
	var n [24]byte
	incNonce(&n)
	if n[23] != 1 {
		t.Fatalf("bad increment: %x", n)
	}
	for i := range n {
		n[i] = 0xff
	}
	incNonce(&n)
	var zero [24]byte
	if n != zero {
		t.Fatalf("nonce should wrap to zero, got %x", n)
	}
}
