/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package worm

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/ssbc/ssbdrv/keys"
)

const serializedM1 = `{
  "previous": null,
  "author": "@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519",
  "sequence": 1,
  "timestamp": 1495706260190,
  "hash": "sha256",
  "content": {
    "type": "about",
    "about": "@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519",
    "name": "neo",
    "description": "The Chosen One"
  },
  "signature": "lPsQ9P10OgeyH6u0unFgiI2wV/RQ7Q2x2ebxnXYCzsJ055TBMXphRADTKhOMS2EkUxXQ9k3amj5fnWPudGxwBQ==.sig.ed25519"
}`

const (
	m1Key = `%xRDqws/TrQmOd4aEwZ32jdLhP873ZKjIgHlggPR0eoo=.sha256`
	m1Sig = `lPsQ9P10OgeyH6u0unFgiI2wV/RQ7Q2x2ebxnXYCzsJ055TBMXphRADTKhOMS2EkUxXQ9k3amj5fnWPudGxwBQ==.sig.ed25519`
	m2Key = `%nx13uks5GUwuKJC49PfYGMS/1pgGTtwwdWT7kbVaroM=.sha256`
	m2Sig = `3SY85LX6/ppOfP4SbfwZbKfd6DccbLRiB13pwpzbSK0nU52OEJxOqcJ2Uensr6RkrWztWLIq90sNOn1zRAoOAw==.sig.ed25519`
)

func fixedSecret(t *testing.T) *keys.Secret {
	t.Helper()
	seed, err := base64.StdEncoding.DecodeString(`Mz2qkNOP2K6upnqibWrR+z8pVUI1ReA1MLc7QMtF2qQ=`)
	if err != nil {
		t.Fatal(err)
	}
	s, err := keys.FromSeed(seed)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func aboutContent(id, name, desc string) Obj {
	return Obj{
		{Key: "type", Value: "about"},
		{Key: "about", Value: id},
		{Key: "name", Value: name},
		{Key: "description", Value: desc},
	}
}

func TestFormatMessageVector(t *testing.T) {
	s := fixedSecret(t)
	unsigned, err := FormatMessage("", 1, s.ID, 1495706260190, "sha256", aboutContent(s.ID, "neo", "The Chosen One"), "")
	if err != nil {
		t.Fatal(err)
	}
	sig := s.Sign([]byte(unsigned))
	if sig != m1Sig {
		t.Fatalf("signature mismatch:\n%s", sig)
	}
	msg, err := FormatMessage("", 1, s.ID, 1495706260190, "sha256", aboutContent(s.ID, "neo", "The Chosen One"), sig)
	if err != nil {
		t.Fatal(err)
	}
	if msg != serializedM1 {
		t.Fatalf("serialization mismatch:\n%s", msg)
	}
	if got := keys.MessageID([]byte(msg)); got != m1Key {
		t.Fatalf("key mismatch: %s", got)
	}
}

func TestFormatMessageChain(t *testing.T) {
	s := fixedSecret(t)
	unsigned, err := FormatMessage(m1Key, 2, s.ID, 1495706447426, "sha256", aboutContent(s.ID, "morpheus", "Dude with big jaw"), "")
	if err != nil {
		t.Fatal(err)
	}
	sig := s.Sign([]byte(unsigned))
	if sig != m2Sig {
		t.Fatalf("signature mismatch:\n%s", sig)
	}
	msg, _ := FormatMessage(m1Key, 2, s.ID, 1495706447426, "sha256", aboutContent(s.ID, "morpheus", "Dude with big jaw"), sig)
	if got := keys.MessageID([]byte(msg)); got != m2Key {
		t.Fatalf("key mismatch: %s", got)
	}
}

// Re-signing a stored message must reproduce its signature bit for bit.
func TestResignReproducesSignature(t *testing.T) {
	s := fixedSecret(t)
	i := strings.Index(serializedM1, ",\n  \"signature\":")
	if i < 0 {
		t.Fatal("fixture has no signature")
	}
	unsigned := serializedM1[:i] + "\n}"
	if sig := s.Sign([]byte(unsigned)); sig != m1Sig {
		t.Fatalf("re-signing produced a different signature:\n%s", sig)
	}
}

// A wire copy with arbitrary whitespace must reformat into the exact
// signed bytes.
func TestReindentPreservesTokens(t *testing.T) {
	raw := `{"type":"about","about":"@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519","name":"neo","description":"The Chosen One"}`
	viaRaw, err := FormatMessage("", 1, "@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519", 1495706260190, "sha256", RawValue(raw), "")
	if err != nil {
		t.Fatal(err)
	}
	viaObj, err := FormatMessage("", 1, "@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519", 1495706260190, "sha256",
		aboutContent("@I/4cyN/jPBbDsikbHzAEvmaYlaJK33lW3UhWjNXjyrU=.ed25519", "neo", "The Chosen One"), "")
	if err != nil {
		t.Fatal(err)
	}
	if viaRaw != viaObj {
		t.Fatalf("raw and structured encodings differ:\n%s\n---\n%s", viaRaw, viaObj)
	}
}

func TestReindentScalarsAndArrays(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`[1,2,3]`, "[\n    1,\n    2,\n    3\n  ]"},
		{`{}`, `{}`},
		{`[]`, `[]`},
		{`true`, `true`},
		{`"x\n\"y"`, `"x\n\"y"`},
		{`1495706260190`, `1495706260190`},
		{`{"a":[{"b":null}]}`, "{\n    \"a\": [\n      {\n        \"b\": null\n      }\n    ]\n  }"},
	}
	for _, c := range cases {
		var sb strings.Builder
		if _, err := reindentValue(&sb, []byte(c.in), 0, 1); err != nil {
			t.Fatalf("%s: %v", c.in, err)
		}
		if sb.String() != c.want {
			t.Fatalf("%s:\n got %q\nwant %q", c.in, sb.String(), c.want)
		}
	}
}

func TestStringContent(t *testing.T) {
	msg, err := FormatMessage("", 1, "@a.ed25519", 7, "sha256", "boxed-data", "")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(msg, "\n  \"content\": \"boxed-data\"\n}") {
		t.Fatalf("string content not encoded inline:\n%s", msg)
	}
}

func TestFormatEnvelope(t *testing.T) {
	env := FormatEnvelope("%k.sha256", "{\n  \"previous\": null\n}", 42)
	want := "{\n  \"key\": \"%k.sha256\",\n  \"value\": {\n    \"previous\": null\n  },\n  \"timestamp\": 42\n}"
	if env != want {
		t.Fatalf("envelope mismatch:\n%s", env)
	}
}

func TestHashKey(t *testing.T) {
	// "%xRDqws" -> base64 "xRDqws==" -> 0xc510ea, first four bytes c5 10 ea c2
	got := HashKey(m1Key)
	if got == 0 {
		t.Fatal("hash key of a valid id should not be zero")
	}
	if HashKey(m1Key) != got {
		t.Fatal("hash key is not stable")
	}
	if HashKey(SeqKey("@a.ed25519", 1)) == 0 {
		t.Fatal("hash key of a seq key should not be zero")
	}
}

func TestSeqKeyShape(t *testing.T) {
	k := SeqKey("@author.ed25519", 5)
	if k[0] != '_' {
		t.Fatalf("seq key must start with underscore: %s", k)
	}
	if k == SeqKey("@author.ed25519", 6) {
		t.Fatal("seq keys must differ across sequences")
	}
}
