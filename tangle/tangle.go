/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package tangle implements the partially ordered DAG of log messages
// sharing a common base. Concurrent appends by different authors
// converge through the tip-union rule; iteration order is deterministic
// across peers holding the same log content.
package tangle

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/gravwell/jsonparser"

	"github.com/ssbc/ssbdrv/worm"
)

const TypeTag = `tangle`

var (
	ErrNotFound = errors.New("can't find tangle")
	ErrBadRef   = errors.New("malformed tangle reference")
)

// Ref names a message by author and id.
type Ref struct {
	Author string
	ID     string
}

// MarshalJSON renders the wire form ["author", "id"].
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Author, r.ID})
}

// UnmarshalJSON accepts ["author", "id"] and tolerates trailing
// elements some writers leak into references.
func (r *Ref) UnmarshalJSON(raw []byte) error {
	var elems []json.RawMessage
	if err := json.Unmarshal(raw, &elems); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRef, err)
	}
	if len(elems) < 2 {
		return ErrBadRef
	}
	if err := json.Unmarshal(elems[0], &r.Author); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRef, err)
	}
	if err := json.Unmarshal(elems[1], &r.ID); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRef, err)
	}
	return nil
}

func (r Ref) arr() worm.Arr {
	return worm.Arr{r.Author, r.ID}
}

// Content is the decoded content of a tangle message. Payload holds the
// application record of non-base members.
type Content struct {
	Type     string          `json:"type"`
	Use      string          `json:"use"`
	Salt     string          `json:"salt"`
	DrvRef   *Ref            `json:"drvref"`
	Base     *Ref            `json:"base"`
	Previous []Ref           `json:"previous"`
	Height   int64           `json:"height"`
	Payload  json.RawMessage `json:"content"`
}

// ParseContent decodes a message content field; ok is false when the
// message is not a tangle record.
func ParseContent(raw json.RawMessage) (*Content, bool) {
	var c Content
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false
	}
	if c.Type != TypeTag {
		return nil, false
	}
	return &c, true
}

type tip struct {
	ref    Ref
	height int64
}

// Options configures a freshly created tangle base.
type Options struct {
	Use    string
	Salt   string
	DrvRef *Ref
}

// Tangle is one DAG anchored at Base, tracking current tips and height.
type Tangle struct {
	w      *worm.Worm
	Base   Ref
	tips   []tip
	height int64
}

// NewSalt returns a fresh 8-byte hex salt for a root base.
func NewSalt() string {
	var b [8]byte
	rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// New opens the tangle anchored at base, or creates a fresh base
// message from opt when base is nil.
func New(w *worm.Worm, base *Ref, opt Options) (*Tangle, error) {
	t := &Tangle{w: w}
	if base == nil {
		content := worm.Obj{
			{Key: "type", Value: TypeTag},
			{Key: "height", Value: int64(0)},
		}
		if opt.Use != "" {
			content = append(content, worm.Member{Key: "use", Value: opt.Use})
		}
		if opt.Salt != "" {
			content = append(content, worm.Member{Key: "salt", Value: opt.Salt})
		}
		if opt.DrvRef != nil {
			content = append(content, worm.Member{Key: "drvref", Value: opt.DrvRef.arr()})
		}
		key, err := w.WriteMessage(content)
		if err != nil {
			return nil, err
		}
		if err = w.Flush(); err != nil {
			return nil, err
		}
		t.Base = Ref{Author: w.ID, ID: key}
	} else {
		t.Base = *base
	}
	if err := t.loadTips(); err != nil {
		return nil, err
	}
	return t, nil
}

// Height reports the current tangle height (max tip height).
func (t *Tangle) Height() int64 {
	return t.height
}

// Tips returns the current tip references.
func (t *Tangle) Tips() []Ref {
	out := make([]Ref, 0, len(t.tips))
	for _, tp := range t.tips {
		out = append(out, tp.ref)
	}
	return out
}

// member checks whether a stored record belongs to this tangle, using
// raw probes before a full content decode.
func (t *Tangle) member(env *worm.Envelope) (*Content, bool) {
	typ, err := jsonparser.GetString(env.RawValue, "content", "type")
	if err != nil || typ != TypeTag {
		return nil, false
	}
	c, ok := ParseContent(env.Value.Content)
	if !ok {
		return nil, false
	}
	if env.Key == t.Base.ID {
		return c, true
	}
	if c.Base != nil && c.Base.ID == t.Base.ID {
		return c, true
	}
	return nil, false
}

// loadTips scans the log for members of this tangle and derives the tip
// set: members referenced by no other member's base or previous.
func (t *Tangle) loadTips() error {
	members := make(map[string]*Content)
	var order []string
	it := t.w.Iter()
	for it.Next() {
		k := it.Key()
		if _, seen := members[k]; seen {
			continue
		}
		env := t.w.ReadMsg(k)
		if env == nil {
			continue
		}
		if c, ok := t.member(env); ok {
			members[k] = c
			order = append(order, k)
		}
	}
	live := make(map[string]bool, len(members))
	for k := range members {
		live[k] = true
	}
	for _, c := range members {
		if c.Base != nil {
			delete(live, c.Base.ID)
		}
		for _, p := range c.Previous {
			delete(live, p.ID)
		}
	}
	t.tips = nil
	t.height = 0
	for _, k := range order {
		if !live[k] {
			continue
		}
		c := members[k]
		env := t.w.ReadMsg(k)
		if env == nil {
			continue
		}
		t.tips = append(t.tips, tip{
			ref:    Ref{Author: env.Value.Author, ID: k},
			height: c.Height,
		})
		if c.Height > t.height {
			t.height = c.Height
		}
	}
	return nil
}

// Append writes a new member carrying payload. With prev unset it
// merges up to three current tips; with prev set it extends only that
// parent.
func (t *Tangle) Append(payload worm.Obj, prev *Ref) (Ref, error) {
	if t.tips == nil && t.Base.ID == "" {
		return Ref{}, ErrNotFound
	}
	content := worm.Obj{
		{Key: "type", Value: TypeTag},
		{Key: "base", Value: t.Base.arr()},
		{Key: "content", Value: payload},
	}
	var parents []tip
	var height int64
	if prev == nil {
		parents = t.tips
		if len(parents) > 3 {
			parents = parents[:3]
		}
		height = t.height + 1
	} else {
		env := t.w.ReadMsg(prev.ID)
		if env == nil {
			return Ref{}, ErrNotFound
		}
		c, ok := ParseContent(env.Value.Content)
		if !ok {
			return Ref{}, ErrNotFound
		}
		parents = []tip{{ref: *prev, height: c.Height}}
		height = c.Height + 1
	}
	prevArr := make(worm.Arr, 0, len(parents))
	for _, p := range parents {
		prevArr = append(prevArr, p.ref.arr())
	}
	content = append(content,
		worm.Member{Key: "previous", Value: prevArr},
		worm.Member{Key: "height", Value: height},
	)
	key, err := t.w.WriteMessage(content)
	if err != nil {
		return Ref{}, err
	}
	ref := Ref{Author: t.w.ID, ID: key}

	if prev == nil {
		// consumed parents stop being tips
		if len(parents) < len(t.tips) {
			t.tips = t.tips[len(parents):]
		} else {
			t.tips = nil
		}
	} else {
		remaining := t.tips[:0]
		for _, tp := range t.tips {
			if tp.ref.ID != prev.ID {
				remaining = append(remaining, tp)
			}
		}
		t.tips = remaining
	}
	t.tips = append(t.tips, tip{ref: ref, height: height})
	if height > t.height {
		t.height = height
	}
	return ref, nil
}

// Refresh flushes pending state and reloads the log view and tips.
func (t *Tangle) Refresh() error {
	if err := t.w.Flush(); err != nil {
		return err
	}
	if err := t.w.Refresh(); err != nil {
		return err
	}
	return t.loadTips()
}
