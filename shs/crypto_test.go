/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package shs

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/ssbc/ssbdrv/keys"
)

// Fixed vectors of the reference handshake implementation.
const (
	appKeyHex        = `291356d28154da68e8a9ee4fed71497c0a67d121a41b544d7a6157e76e0df5bc` // sha256("app_key")
	serverKeySeed    = `ca7701c26351fd949f14840c303c6cd8e4f53e125c96cd9b0c027a269621e0a2`
	clientKeySeed    = `bf023cd3659dac2dd19e2d7be571900311ba8c5351a0c3707e89e6ee62aa1c17`
	serverEphSeed    = `65641c01037304dc8e60d65ad0753bcb5891d85a4ff8f0d627d5b15979137948`
	clientEphSeed    = `7538d0e385645f507a0cf5fd15ce327023b0f09fe621e1cbf69309eb727b318b`
	clientChallenge  = `64e8cc44ecb945bbaaa77fe3381516efcad232751dfe3ce76ad7f07563f072f37f0918ec8cf7ff8ea9c833131852161de5c64bae94db567484dc1c402b441c25`
	clientAuthHex    = `f2af3f7a1510d0f0dfe391fe141c7d7aabee79f5effca1456456f25495735b21247aeb8f1b964a50175e92c89eb42a3560f28f492e93b9143aca4006ffd1f14ac874c4d8c3245bc5946a65830025991016b1a2b2b7bfc98814b9bb5e097a71a4efc5f51f3723ed9258b2e3e58b5b7433`
	serverChallenge  = `535c068de5eb262ab80b70b35a8e5c8514aa1c8d699d7fa9ea776cb97d85c3696b0c20282445b48a78c429743cd78bd607b7ec77840de12d497a60eb0489d67b`
	serverAcceptHex  = `b4d0eafbfbf673cc10c4999522132079a6ea2e47ee648d3d7439887c94d1bc4bd437d8bc473168acd0eb2a1f8dae0b9147a1e69662f2da393075eb5fabdbcb2564377db5ce286b15e34c9d29d5a17c3a`
	interSharedHex   = `7666d832ae55da5d089e5ad606ccd399fdcec51665386e9a040484c51a8ff24d`
	boxSecretHex     = `03fee38c2075bc6c5e17654496a3a6883066117f85f23aa35b60065b236cbc72`
	sharedSecretHex  = `5556ad2a8ece88f2876c13695a12d7a6d19c2d9d07f5a936037711e596246d1d`
	clientEncKeyHex  = `ec1f2c829fed41c0da875bf975bfac9c49a554d191ffa82ed020fb55c71429c7`
	clientDecKeyHex  = `f965a04173b23db7507ef3f928fd7ffeb7545a686ed78c3dea2e6f9e8c392910`
	clientEncNonce   = `535c068de5eb262ab80b70b35a8e5c8514aa1c8d699d7fa9`
	clientDecNonce   = `64e8cc44ecb945bbaaa77fe3381516efcad232751dfe3ce7`
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func testPair(t *testing.T) (*Client, *Server) {
	t.Helper()
	appKey := unhex(t, appKeyHex)
	serverSecret, err := keys.FromSeed(unhex(t, serverKeySeed))
	if err != nil {
		t.Fatal(err)
	}
	clientSecret, err := keys.FromSeed(unhex(t, clientKeySeed))
	if err != nil {
		t.Fatal(err)
	}
	client, err := NewClient(clientSecret, serverSecret.Public, unhex(t, clientEphSeed), appKey)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewServer(serverSecret, unhex(t, serverEphSeed), appKey)
	if err != nil {
		t.Fatal(err)
	}
	return client, server
}

func TestHandshakeVectors(t *testing.T) {
	client, server := testPair(t)

	cc := client.Challenge()
	if !bytes.Equal(cc, unhex(t, clientChallenge)) {
		t.Fatalf("client challenge mismatch\n got %x", cc)
	}
	if err := server.VerifyClientChallenge(cc); err != nil {
		t.Fatal(err)
	}

	sc := server.Challenge()
	if !bytes.Equal(sc, unhex(t, serverChallenge)) {
		t.Fatalf("server challenge mismatch\n got %x", sc)
	}
	if err := client.VerifyServerChallenge(sc); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(client.st.sharedAB[:], unhex(t, interSharedHex)) {
		t.Fatalf("shared secret mismatch: %x", client.st.sharedAB)
	}

	ca := client.ClientAuth()
	if !bytes.Equal(ca, unhex(t, clientAuthHex)) {
		t.Fatalf("client auth mismatch\n got %x", ca)
	}
	if err := server.VerifyClientAuth(ca); err != nil {
		t.Fatal(err)
	}
	if server.st.sharedAB != client.st.sharedAB {
		t.Fatal("sides disagree on the ephemeral shared secret")
	}

	sa := server.Accept()
	if !bytes.Equal(sa, unhex(t, serverAcceptHex)) {
		t.Fatalf("server accept mismatch\n got %x", sa)
	}
	if err := client.VerifyServerAccept(sa); err != nil {
		t.Fatal(err)
	}

	bs := client.BoxSecret()
	if !bytes.Equal(bs[:], unhex(t, boxSecretHex)) {
		t.Fatalf("box secret mismatch: %x", bs)
	}
	if client.BoxSecret() != server.BoxSecret() {
		t.Fatal("sides disagree on the box secret")
	}

	ck := client.BoxKeys()
	sk := server.BoxKeys()
	if !bytes.Equal(ck.SharedSecret[:], unhex(t, sharedSecretHex)) {
		t.Fatalf("shared secret mismatch: %x", ck.SharedSecret)
	}
	if !bytes.Equal(ck.EncryptKey[:], unhex(t, clientEncKeyHex)) {
		t.Fatalf("client encrypt key mismatch: %x", ck.EncryptKey)
	}
	if !bytes.Equal(ck.DecryptKey[:], unhex(t, clientDecKeyHex)) {
		t.Fatalf("client decrypt key mismatch: %x", ck.DecryptKey)
	}
	if !bytes.Equal(ck.EncryptNonce[:], unhex(t, clientEncNonce)) {
		t.Fatalf("client encrypt nonce mismatch: %x", ck.EncryptNonce)
	}
	if !bytes.Equal(ck.DecryptNonce[:], unhex(t, clientDecNonce)) {
		t.Fatalf("client decrypt nonce mismatch: %x", ck.DecryptNonce)
	}
	if ck.SharedSecret != sk.SharedSecret {
		t.Fatal("shared secrets differ")
	}
	if ck.EncryptKey != sk.DecryptKey || ck.DecryptKey != sk.EncryptKey {
		t.Fatal("key pairs are not mirrored")
	}
	if ck.EncryptNonce != sk.DecryptNonce || ck.DecryptNonce != sk.EncryptNonce {
		t.Fatal("nonce pairs are not mirrored")
	}
}

func TestHandshakeRejectsBadAppKey(t *testing.T) {
	client, server := testPair(t)
	cc := client.Challenge()
	cc[0] ^= 0xff
	if err := server.VerifyClientChallenge(cc); err == nil {
		t.Fatal("expected challenge verification failure")
	}
}

func TestHandshakeRejectsWrongServerKey(t *testing.T) {
	appKey := unhex(t, appKeyHex)
	serverSecret, _ := keys.FromSeed(unhex(t, serverKeySeed))
	clientSecret, _ := keys.FromSeed(unhex(t, clientKeySeed))
	// the client expects a different server identity
	other, _ := keys.FromSeed(bytes.Repeat([]byte{7}, 32))
	client, err := NewClient(clientSecret, other.Public, unhex(t, clientEphSeed), appKey)
	if err != nil {
		t.Fatal(err)
	}
	server, err := NewServer(serverSecret, unhex(t, serverEphSeed), appKey)
	if err != nil {
		t.Fatal(err)
	}
	if err = server.VerifyClientChallenge(client.Challenge()); err != nil {
		t.Fatal(err)
	}
	if err = client.VerifyServerChallenge(server.Challenge()); err != nil {
		t.Fatal(err)
	}
	if err = server.VerifyClientAuth(client.ClientAuth()); err == nil {
		t.Fatal("expected client auth rejection")
	}
}
