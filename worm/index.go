/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package worm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// Index is the on-disk open-addressed hash index (keys.ht / seqs.ht).
// Slots hold offset+1 so zero means empty. When a table reaches half
// load a new table with twice the slots is appended; earlier tables are
// never rewritten, and lookups probe all tables newest first.
const (
	indexVersion  = 2
	initialSlots  = 64 * 1024
	indexHdrBytes = 8
)

var (
	ErrIndexMissing = errors.New("no index file")
	ErrIndexFormat  = errors.New("bad index file format")
	ErrIndexFull    = errors.New("internal error in hash table")
)

type ixTable struct {
	slots   uint32
	count   uint32
	entries []uint32
}

type Index struct {
	fname  string
	hdr    [indexHdrBytes]byte
	tables []ixTable
	count  uint64
	dirty  bool
}

// OpenIndex opens or creates an index file and loads it into memory.
func OpenIndex(fname string, readonly bool) (*Index, error) {
	ix := &Index{fname: fname}
	if _, err := os.Stat(fname); err != nil {
		if readonly {
			return nil, fmt.Errorf("%w: %s", ErrIndexMissing, fname)
		}
		if err = ix.create(); err != nil {
			return nil, err
		}
	}
	if err := ix.LoadFromDisk(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) create() error {
	f, err := os.OpenFile(ix.fname, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	var hdr [indexHdrBytes]byte
	binary.BigEndian.PutUint32(hdr[0:4], indexVersion)
	binary.BigEndian.PutUint32(hdr[4:8], 0)
	if _, err = f.Write(hdr[:]); err != nil {
		return err
	}
	var tbl [8]byte
	binary.BigEndian.PutUint32(tbl[0:4], initialSlots)
	binary.BigEndian.PutUint32(tbl[4:8], 0)
	if _, err = f.Write(tbl[:]); err != nil {
		return err
	}
	_, err = f.Write(make([]byte, 4*initialSlots))
	return err
}

// LoadFromDisk replaces the in-memory tables with the file contents.
func (ix *Index) LoadFromDisk() error {
	f, err := os.Open(ix.fname)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err = io.ReadFull(f, ix.hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrIndexFormat, err)
	}
	ix.tables = nil
	ix.count = 0
	var u32 [4]byte
	for {
		if _, err = io.ReadFull(f, u32[:]); err != nil {
			break // end of file terminates the table list
		}
		slots := binary.BigEndian.Uint32(u32[:])
		if slots == 0 {
			break
		}
		if _, err = io.ReadFull(f, u32[:]); err != nil {
			return fmt.Errorf("%w: truncated table header", ErrIndexFormat)
		}
		cnt := binary.BigEndian.Uint32(u32[:])
		raw := make([]byte, 4*slots)
		if _, err = io.ReadFull(f, raw); err != nil {
			return fmt.Errorf("%w: truncated table", ErrIndexFormat)
		}
		entries := make([]uint32, slots)
		for i := range entries {
			entries[i] = binary.BigEndian.Uint32(raw[4*i:])
		}
		ix.tables = append(ix.tables, ixTable{slots: slots, count: cnt, entries: entries})
		ix.count += uint64(cnt)
	}
	ix.dirty = false
	return nil
}

// SaveToDisk writes all tables back out.
func (ix *Index) SaveToDisk() error {
	f, err := os.OpenFile(ix.fname, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err = f.Write(ix.hdr[:]); err != nil {
		return err
	}
	var u32 [4]byte
	for _, t := range ix.tables {
		binary.BigEndian.PutUint32(u32[:], t.slots)
		if _, err = f.Write(u32[:]); err != nil {
			return err
		}
		binary.BigEndian.PutUint32(u32[:], t.count)
		if _, err = f.Write(u32[:]); err != nil {
			return err
		}
		raw := make([]byte, 4*t.slots)
		for i, e := range t.entries {
			binary.BigEndian.PutUint32(raw[4*i:], e)
		}
		if _, err = f.Write(raw); err != nil {
			return err
		}
	}
	ix.dirty = false
	return nil
}

// Count reports the number of entries across all tables.
func (ix *Index) Count() uint64 {
	return ix.count
}

// Add records key at the given log offset, growing into a fresh table
// when the newest one reaches half load.
func (ix *Index) Add(key string, offs int64) error {
	if len(ix.tables) == 0 {
		ix.tables = append(ix.tables, ixTable{slots: initialSlots, entries: make([]uint32, initialSlots)})
	}
	t := &ix.tables[len(ix.tables)-1]
	if t.count >= t.slots/2 {
		slots := t.slots * 2
		ix.tables = append(ix.tables, ixTable{slots: slots, entries: make([]uint32, slots)})
		t = &ix.tables[len(ix.tables)-1]
	}
	pos := HashKey(key) % t.slots
	for probes := uint32(0); probes < t.slots; probes++ {
		if t.entries[pos] == 0 {
			t.entries[pos] = uint32(offs) + 1
			t.count++
			ix.count++
			ix.dirty = true
			return nil
		}
		pos = (pos + 1) % t.slots
	}
	return ErrIndexFull
}

// Offsets returns a probe iterator over every candidate offset for key,
// newest table first.
func (ix *Index) Offsets(key string) *OffsetIter {
	it := &OffsetIter{h: HashKey(key), tables: ix.tables, ti: len(ix.tables) - 1}
	if it.ti >= 0 {
		it.pos = it.h % ix.tables[it.ti].slots
	}
	return it
}

// Flush persists the index if it has unsaved entries.
func (ix *Index) Flush() error {
	if !ix.dirty {
		return nil
	}
	return ix.SaveToDisk()
}

// OffsetIter walks the probe chain for one key. It yields every
// non-empty slot from the probe position onward; an empty slot moves it
// to the next older table.
type OffsetIter struct {
	h      uint32
	tables []ixTable
	ti     int
	pos    uint32
}

func (it *OffsetIter) Next() (int64, bool) {
	for it.ti >= 0 {
		t := &it.tables[it.ti]
		offs := t.entries[it.pos]
		it.pos = (it.pos + 1) % t.slots
		if offs != 0 {
			return int64(offs) - 1, true
		}
		it.ti--
		if it.ti >= 0 {
			it.pos = it.h % it.tables[it.ti].slots
		}
	}
	return 0, false
}
