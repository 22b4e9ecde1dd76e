/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package worm is the write-once-read-many message store: an
// append-only framed log of signed messages with hash indices for
// lookup by id and by (author, sequence), a per-author latest map, and
// the content-addressed blob store.
package worm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/gravwell/jsonparser"
	"github.com/shirou/gopsutil/process"

	"github.com/ssbc/ssbdrv/keys"
	"github.com/ssbc/ssbdrv/log"
)

var (
	ErrReadonly         = errors.New("store is opened readonly")
	ErrMissingStore     = errors.New("store directory is missing")
	ErrLockHeld         = errors.New("log file is locked by another process")
	ErrInvalidMessage   = errors.New("message is missing author or signature")
	ErrSignatureInvalid = errors.New("invalid signature")
)

const sigMarker = ",\n  \"signature\":"

// Message is the decoded signed log entry. Content retains the stored
// bytes so canonical re-emission stays exact.
type Message struct {
	Previous  string          `json:"previous"`
	Author    string          `json:"author"`
	Sequence  int64           `json:"sequence"`
	Timestamp int64           `json:"timestamp"`
	Hash      string          `json:"hash"`
	Content   json.RawMessage `json:"content"`
	Signature string          `json:"signature"`
}

// Envelope is one stored log record: the message plus its id and the
// local receive timestamp. RawValue holds the exact stored bytes of the
// value field.
type Envelope struct {
	Key       string
	Value     Message
	RawValue  json.RawMessage
	Timestamp int64
}

type envelopeJSON struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

func decodeEnvelope(raw []byte) (*Envelope, error) {
	var ej envelopeJSON
	if err := json.Unmarshal(raw, &ej); err != nil {
		return nil, err
	}
	env := &Envelope{Key: ej.Key, RawValue: ej.Value, Timestamp: ej.Timestamp}
	if err := json.Unmarshal(ej.Value, &env.Value); err != nil {
		return nil, err
	}
	return env, nil
}

type lastEntry struct {
	Sequence int64  `json:"sequence"`
	ID       string `json:"id"`
	TS       int64  `json:"ts"`
}

type lastMap struct {
	Version int                   `json:"version"`
	Value   map[string]*lastEntry `json:"value"`
	Seq     int64                 `json:"seq"`
}

// Worm owns the log file, its indices, the latest map, and the blob
// directory for one user. It is single-writer per process; the log file
// carries an advisory lock.
type Worm struct {
	ID string

	mu       sync.Mutex
	secret   *keys.Secret
	blobDir  string
	logDir   string
	logFname string
	logf     *os.File
	flk      *flock.Flock
	keysHT   *Index
	seqsHT   *Index
	last     lastMap
	lastDirt bool
	readonly bool
	onExtend func(*Envelope)
	lg       *log.Logger
}

// Open opens (creating if needed) the store under dir for the given
// identity and takes the log lock.
func Open(dir string, secret *keys.Secret) (*Worm, error) {
	return open(dir, secret, false)
}

// OpenReadonly opens an existing store without taking the lock. It
// refuses to create any missing file.
func OpenReadonly(dir string, secret *keys.Secret) (*Worm, error) {
	return open(dir, secret, true)
}

func open(dir string, secret *keys.Secret, readonly bool) (*Worm, error) {
	w := &Worm{
		ID:       secret.ID,
		secret:   secret,
		blobDir:  filepath.Join(dir, "blobs", "sha256"),
		logDir:   filepath.Join(dir, "flume"),
		readonly: readonly,
		lg:       log.NewDiscardLogger(),
	}
	w.logFname = filepath.Join(w.logDir, "log.offset")
	for _, d := range []string{w.blobDir, w.logDir} {
		if _, err := os.Stat(d); err != nil {
			if readonly {
				return nil, fmt.Errorf("%w: %s", ErrMissingStore, d)
			}
			if err = os.MkdirAll(d, 0750); err != nil {
				return nil, err
			}
		}
	}
	if _, err := os.Stat(w.logFname); err != nil {
		if readonly {
			return nil, fmt.Errorf("%w: %s", ErrMissingStore, w.logFname)
		}
		if err = os.WriteFile(w.logFname, nil, 0640); err != nil {
			return nil, err
		}
	}
	if !readonly {
		w.flk = flock.New(w.logFname)
		ok, err := w.flk.TryLock()
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w%s", ErrLockHeld, lockHolder(w.logFname))
		}
	}
	mode := os.O_RDWR
	if readonly {
		mode = os.O_RDONLY
	}
	f, err := os.OpenFile(w.logFname, mode, 0640)
	if err != nil {
		w.unlock()
		return nil, err
	}
	w.logf = f

	if w.keysHT, err = OpenIndex(filepath.Join(w.logDir, "keys.ht"), readonly); err != nil {
		w.Close()
		return nil, err
	}
	if w.keysHT.Count() == 0 {
		if err = w.reindexKeys(); err != nil {
			w.Close()
			return nil, err
		}
	}
	if w.seqsHT, err = OpenIndex(filepath.Join(w.logDir, "seqs.ht"), readonly); err != nil {
		w.Close()
		return nil, err
	}
	if w.seqsHT.Count() == 0 {
		if err = w.reindexSeqs(); err != nil {
			w.Close()
			return nil, err
		}
	}
	if err = w.loadLast(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// lockHolder scans process open files for the log path so the lock
// error can name the owner.
func lockHolder(fname string) string {
	procs, err := process.Processes()
	if err != nil {
		return ""
	}
	for _, p := range procs {
		files, err := p.OpenFiles()
		if err != nil {
			continue
		}
		for _, of := range files {
			if of.Path == fname {
				name, _ := p.Name()
				return fmt.Sprintf(" (process %d %s)", p.Pid, name)
			}
		}
	}
	return ""
}

// SetLogger attaches a logger; a discard logger is used by default.
func (w *Worm) SetLogger(lg *log.Logger) {
	if lg != nil {
		w.lg = lg
	}
}

// NotifyOnExtend registers a callback invoked whenever a message
// authored by our own identity is appended. Passing nil clears it.
func (w *Worm) NotifyOnExtend(fn func(*Envelope)) {
	w.onExtend = fn
}

func (w *Worm) unlock() {
	if w.flk != nil {
		w.flk.Unlock()
		w.flk = nil
	}
}

// Close flushes and releases the store.
func (w *Worm) Close() error {
	var err error
	if !w.readonly {
		err = w.Flush()
	}
	if w.logf != nil {
		if cerr := w.logf.Close(); cerr != nil && err == nil {
			err = cerr
		}
		w.logf = nil
	}
	w.unlock()
	return err
}

func (w *Worm) loadLast() error {
	fname := filepath.Join(w.logDir, "last.json")
	raw, err := os.ReadFile(fname)
	if err != nil {
		if !os.IsNotExist(err) {
			return err
		}
		if err = w.reindexLast(); err != nil {
			return err
		}
		if w.readonly {
			return nil
		}
		return w.saveLast()
	}
	if err = json.Unmarshal(raw, &w.last); err != nil {
		return err
	}
	if w.last.Value == nil {
		w.last.Value = make(map[string]*lastEntry)
	}
	return nil
}

func (w *Worm) saveLast() error {
	raw, err := json.Marshal(&w.last)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(w.logDir, "last.json"), raw, 0640)
}

// Latest reports the newest known (id, sequence) for an author; a zero
// sequence means the author is unknown.
func (w *Worm) Latest(author string) (string, int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latest(author)
}

func (w *Worm) latest(author string) (string, int64) {
	r, ok := w.last.Value[author]
	if !ok {
		return "", 0
	}
	return r.ID, r.Sequence
}

func (w *Worm) updateLast(author, id string, seq, ts int64) {
	r, ok := w.last.Value[author]
	if !ok || r.Sequence < seq {
		w.last.Value[author] = &lastEntry{Sequence: seq, ID: id, TS: ts}
		w.lastDirt = true
	}
}

// logSize returns the current byte length of the log file.
func (w *Worm) logSize() (int64, error) {
	return w.logf.Seek(0, io.SeekEnd)
}

// fetchMsgAt reads and decodes the record whose length prefix starts at
// the given absolute offset.
func (w *Worm) fetchMsgAt(offs int64) (*Envelope, error) {
	var u32 [4]byte
	if _, err := w.logf.ReadAt(u32[:], offs); err != nil {
		return nil, err
	}
	sz := binary.BigEndian.Uint32(u32[:])
	raw := make([]byte, sz)
	if _, err := w.logf.ReadAt(raw, offs+4); err != nil {
		return nil, err
	}
	return decodeEnvelope(raw)
}

// ReadMsg looks a message up by id. A nil result means not found.
func (w *Worm) ReadMsg(key string) *Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.readMsg(key)
}

func (w *Worm) readMsg(key string) *Envelope {
	it := w.keysHT.Offsets(key)
	for {
		offs, ok := it.Next()
		if !ok {
			return nil
		}
		env, err := w.fetchMsgAt(offs)
		if err != nil {
			return nil
		}
		if env.Key == key {
			return env
		}
	}
}

// GetMsgBySequence looks a message up by (author, sequence).
func (w *Worm) GetMsgBySequence(author string, seq int64) *Envelope {
	w.mu.Lock()
	defer w.mu.Unlock()
	it := w.seqsHT.Offsets(SeqKey(author, seq))
	for {
		offs, ok := it.Next()
		if !ok {
			return nil
		}
		env, err := w.fetchMsgAt(offs)
		if err != nil {
			return nil
		}
		if env.Value.Author == author && env.Value.Sequence == seq {
			return env
		}
	}
}

// AppendVerified validates a canonically formatted signed message and
// appends it to the log, updating the indices and the latest map. A
// message already present is a no-op returning its id.
func (w *Worm) AppendVerified(msg []byte) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.appendVerified(msg)
}

func (w *Worm) appendVerified(msg []byte) (string, error) {
	author, err := jsonparser.GetString(msg, "author")
	if err != nil {
		return "", ErrInvalidMessage
	}
	sig, err := jsonparser.GetString(msg, "signature")
	if err != nil {
		return "", ErrInvalidMessage
	}
	seq, err := jsonparser.GetInt(msg, "sequence")
	if err != nil {
		return "", ErrInvalidMessage
	}
	i := bytes.Index(msg, []byte(sigMarker))
	if i < 0 {
		return "", ErrInvalidMessage
	}
	signed := make([]byte, 0, i+2)
	signed = append(signed, msg[:i]...)
	signed = append(signed, "\n}"...)
	if !keys.Verify(author, signed, sig) {
		return "", fmt.Errorf("%w: %s seq %d", ErrSignatureInvalid, author, seq)
	}

	id := keys.MessageID(msg)
	if w.readMsg(id) != nil {
		w.lg.Debugf("msg %s (%d) already exists", id, seq)
		return id, nil
	}
	if w.readonly {
		return id, nil
	}

	now := time.Now().UnixMilli()
	env := FormatEnvelope(id, string(msg), now)
	offs, err := w.appendRecord([]byte(env))
	if err != nil {
		return "", err
	}
	if err = w.keysHT.Add(id, offs); err != nil {
		return "", err
	}
	if err = w.seqsHT.Add(SeqKey(author, seq), offs); err != nil {
		return "", err
	}
	w.updateLast(author, id, seq, now)

	if w.onExtend != nil && author == w.ID {
		if e, err := decodeEnvelope([]byte(env)); err == nil {
			w.onExtend(e)
		}
	}
	return id, nil
}

// appendRecord writes one frame: length, payload, trailing length, and
// the end-of-log marker. It returns the offset of the length prefix.
func (w *Worm) appendRecord(payload []byte) (int64, error) {
	offs, err := w.logSize()
	if err != nil {
		return 0, err
	}
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], uint32(len(payload)))
	buf := make([]byte, 0, len(payload)+12)
	buf = append(buf, u32[:]...)
	buf = append(buf, payload...)
	buf = append(buf, u32[:]...)
	end := offs + int64(len(payload)) + 12
	binary.BigEndian.PutUint32(u32[:], uint32(end))
	buf = append(buf, u32[:]...)
	if _, err = w.logf.WriteAt(buf, offs); err != nil {
		return 0, err
	}
	return offs, nil
}

// WriteMessage formats, signs, and appends the next message of the
// local identity. content may be a string, Obj/Arr, or RawValue.
func (w *Worm) WriteMessage(content interface{}) (string, error) {
	if w.readonly {
		return "", ErrReadonly
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	prev, seq := w.latest(w.ID)
	unsigned, err := FormatMessage(prev, seq+1, w.ID, time.Now().UnixMilli(), "sha256", content, "")
	if err != nil {
		return "", err
	}
	sig := w.secret.Sign([]byte(unsigned))
	msg := unsigned[:len(unsigned)-2] + ",\n  \"signature\": \"" + sig + "\"\n}"
	return w.appendVerified([]byte(msg))
}

// Flush persists dirty indices and the latest map.
func (w *Worm) Flush() error {
	if w.readonly {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.keysHT == nil || w.seqsHT == nil {
		return nil // torn-down mid-open
	}
	if err := w.keysHT.Flush(); err != nil {
		return err
	}
	if err := w.seqsHT.Flush(); err != nil {
		return err
	}
	if w.lastDirt {
		if err := w.saveLast(); err != nil {
			return err
		}
		w.lastDirt = false
	}
	return nil
}

// Refresh reloads the indices and last.json from disk, discarding any
// unflushed in-memory index state. The log itself is read on demand and
// needs no reload.
func (w *Worm) Refresh() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.keysHT != nil && w.seqsHT != nil {
		if w.keysHT.dirty || w.seqsHT.dirty {
			w.lg.Warnf("disregarding changed index information")
		}
	}
	if err := w.keysHT.LoadFromDisk(); err != nil {
		return err
	}
	if err := w.seqsHT.LoadFromDisk(); err != nil {
		return err
	}
	w.last = lastMap{}
	return w.loadLast()
}

// reverseScan walks records newest first, calling fn with the offset of
// each record's length prefix and the raw payload. A corrupt frame
// terminates the scan.
func (w *Worm) reverseScan(fn func(offs int64, raw []byte) error) error {
	size, err := w.logSize()
	if err != nil {
		return err
	}
	pos := size - 4 // trailing end-of-log marker
	for pos >= 4 {
		var u32 [4]byte
		if _, err = w.logf.ReadAt(u32[:], pos-4); err != nil {
			return nil
		}
		sz := int64(binary.BigEndian.Uint32(u32[:]))
		start := pos - 4 - sz // first byte of the JSON payload
		if sz == 0 || start < 4 {
			return nil
		}
		raw := make([]byte, sz)
		if _, err = w.logf.ReadAt(raw, start); err != nil {
			return nil
		}
		if err = fn(start-4, raw); err != nil {
			return err
		}
		pos = start - 8
	}
	return nil
}

func (w *Worm) reindexKeys() error {
	return w.reverseScan(func(offs int64, raw []byte) error {
		key, err := jsonparser.GetString(raw, "key")
		if err != nil {
			return nil
		}
		return w.keysHT.Add(key, offs)
	})
}

func (w *Worm) reindexSeqs() error {
	return w.reverseScan(func(offs int64, raw []byte) error {
		author, err := jsonparser.GetString(raw, "value", "author")
		if err != nil {
			return nil
		}
		seq, err := jsonparser.GetInt(raw, "value", "sequence")
		if err != nil {
			return nil
		}
		return w.seqsHT.Add(SeqKey(author, seq), offs)
	})
}

func (w *Worm) reindexLast() error {
	w.last = lastMap{Version: 1, Value: make(map[string]*lastEntry)}
	return w.reverseScan(func(offs int64, raw []byte) error {
		key, err := jsonparser.GetString(raw, "key")
		if err != nil {
			return nil
		}
		author, err := jsonparser.GetString(raw, "value", "author")
		if err != nil {
			return nil
		}
		seq, err := jsonparser.GetInt(raw, "value", "sequence")
		if err != nil {
			return nil
		}
		r, ok := w.last.Value[author]
		if !ok {
			r = &lastEntry{}
			w.last.Value[author] = r
		}
		if r.Sequence < seq {
			r.Sequence = seq
			r.ID = key
			r.TS = 0
		}
		return nil
	})
}

// Iter walks message ids newest first.
func (w *Worm) Iter() *LogIter {
	it := &LogIter{w: w}
	size, err := w.logSize()
	if err != nil {
		it.done = true
		return it
	}
	it.pos = size - 4
	return it
}

// LogIter yields message ids by reverse-scanning the framed log.
type LogIter struct {
	w    *Worm
	pos  int64
	key  string
	done bool
}

func (it *LogIter) Next() bool {
	if it.done || it.pos < 4 {
		it.done = true
		return false
	}
	var u32 [4]byte
	if _, err := it.w.logf.ReadAt(u32[:], it.pos-4); err != nil {
		it.done = true
		return false
	}
	sz := int64(binary.BigEndian.Uint32(u32[:]))
	start := it.pos - 4 - sz // first byte of the JSON payload
	if sz == 0 || start < 4 {
		it.done = true
		return false
	}
	raw := make([]byte, sz)
	if _, err := it.w.logf.ReadAt(raw, start); err != nil {
		it.done = true
		return false
	}
	key, err := jsonparser.GetString(raw, "key")
	if err != nil {
		it.done = true
		return false
	}
	it.key = key
	it.pos = start - 8
	return true
}

func (it *LogIter) Key() string {
	return it.key
}

// DecodeBlobKey turns a blob id into its hex digest path components.
func DecodeBlobKey(key string) (string, error) {
	raw, err := keys.IDBytes(key)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", raw), nil
}

func (w *Worm) blobPath(key string) (string, error) {
	hx, err := DecodeBlobKey(key)
	if err != nil {
		return "", err
	}
	if len(hx) < 3 {
		return "", keys.ErrBadIdentity
	}
	return filepath.Join(w.blobDir, hx[:2], hx[2:]), nil
}

// BlobAvailable reports whether the blob is present locally.
func (w *Worm) BlobAvailable(key string) bool {
	p, err := w.blobPath(key)
	if err != nil {
		return false
	}
	_, err = os.Stat(p)
	return err == nil
}

// ReadBlob returns the blob bytes.
func (w *Worm) ReadBlob(key string) ([]byte, error) {
	p, err := w.blobPath(key)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// WriteBlob stores data content-addressed and returns its blob id. The
// write is idempotent.
func (w *Worm) WriteBlob(data []byte) (string, error) {
	if w.readonly {
		return "", ErrReadonly
	}
	id := keys.BlobID(data)
	hx, err := DecodeBlobKey(id)
	if err != nil {
		return "", err
	}
	dir := filepath.Join(w.blobDir, hx[:2])
	if err = os.MkdirAll(dir, 0750); err != nil {
		return "", err
	}
	fn := filepath.Join(dir, hx[2:])
	if _, err = os.Stat(fn); err == nil {
		return id, nil
	}
	if err = os.WriteFile(fn, data, 0640); err != nil {
		return "", err
	}
	return id, nil
}
