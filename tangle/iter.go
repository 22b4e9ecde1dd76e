/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package tangle

import (
	"github.com/ssbc/ssbdrv/worm"
)

// Iter yields member ids in reverse topological order: a frontier is
// seeded from the tips and the element with the greatest
// (height, HashKey(id)) is expanded each step. The base is never
// yielded. The order is a pure function of log content, so all peers
// agree on it.
type Iter struct {
	w        *worm.Worm
	front    []frontEnt
	expanded map[string]bool
	key      string
}

type frontEnt struct {
	key string
	c   *Content
}

// Iter starts a deterministic walk over the tangle members.
func (t *Tangle) Iter() *Iter {
	it := &Iter{
		w:        t.w,
		expanded: make(map[string]bool),
	}
	for _, tp := range t.tips {
		if env := t.w.ReadMsg(tp.ref.ID); env != nil {
			if c, ok := ParseContent(env.Value.Content); ok {
				it.front = append(it.front, frontEnt{key: tp.ref.ID, c: c})
			}
		}
	}
	return it
}

func (it *Iter) Next() bool {
	for len(it.front) > 0 {
		best := 0
		for i := 1; i < len(it.front); i++ {
			if frontLess(it.front[best], it.front[i]) {
				best = i
			}
		}
		ent := it.front[best]
		it.front = append(it.front[:best], it.front[best+1:]...)
		it.expanded[ent.key] = true
		if ent.c.Previous == nil {
			continue // the base anchors the walk but is not a member entry
		}
		for _, p := range ent.c.Previous {
			if it.expanded[p.ID] || it.inFront(p.ID) {
				continue
			}
			env := it.w.ReadMsg(p.ID)
			if env == nil {
				continue
			}
			c, ok := ParseContent(env.Value.Content)
			if !ok {
				continue
			}
			it.front = append(it.front, frontEnt{key: p.ID, c: c})
		}
		it.key = ent.key
		return true
	}
	return false
}

// Key returns the id yielded by the last successful Next.
func (it *Iter) Key() string {
	return it.key
}

func (it *Iter) inFront(key string) bool {
	for _, e := range it.front {
		if e.key == key {
			return true
		}
	}
	return false
}

// frontLess orders frontier entries by the composite (height, HashKey)
// sort key.
func frontLess(a, b frontEnt) bool {
	if a.c.Height != b.c.Height {
		return a.c.Height < b.c.Height
	}
	return worm.HashKey(a.key) < worm.HashKey(b.key)
}
