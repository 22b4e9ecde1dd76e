/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package lfs layers a logical filesystem over tangles: one root tangle
// per drive plus one tangle per directory, with directory entries
// expressed as bind/unbind records. All state is a derived view over
// the log; unbind merely tombstones a name.
package lfs

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/ssbc/ssbdrv/tangle"
	"github.com/ssbc/ssbdrv/worm"
)

const (
	TagRoot = `ssb_lfs:v1:root` // drive node
	TagDir  = `ssb_lfs:v1:dir`  // directory node

	TypeBindFile = `bindF`
	TypeBindDir  = `bindD`
	TypeUnbind   = `unbind`
	TypeBlocked  = `blocked`
)

// Namespace of drive UUIDs.
var nsUUID = uuid.MustParse(`55bf2f4d-9915-4d86-a76f-7b7d6888c107`)

var (
	ErrNoSuchDir   = errors.New("no such directory")
	ErrNoSuchEntry = errors.New("no such directory entry")
	ErrNotEmpty    = errors.New("directory not empty")
	ErrWrongType   = errors.New("entry has the wrong type")
	ErrNoDrive     = errors.New("no drive found")
)

// Dent is one live directory entry as yielded by Items.
type Dent struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Size      int64       `json:"size"`
	BlobKey   string      `json:"blobkey"`
	DirRef    *tangle.Ref `json:"dirref"`
	Key       string      `json:"key"`
	This      tangle.Ref  `json:"-"`
	Timestamp int64       `json:"-"`
}

// FS is an open drive with a current working directory.
type FS struct {
	w       *worm.Worm
	root    *tangle.Tangle
	cwt     *tangle.Tangle
	parents []*tangle.Tangle
	path    []string
}

// New opens the drive rooted at rootRef, or creates a fresh drive when
// rootRef is nil.
func New(w *worm.Worm, rootRef *tangle.Ref) (*FS, error) {
	opt := tangle.Options{}
	if rootRef == nil {
		opt = tangle.Options{Use: TagRoot, Salt: tangle.NewSalt()}
	}
	root, err := tangle.New(w, rootRef, opt)
	if err != nil {
		return nil, err
	}
	fs := &FS{w: w, root: root}
	fs.cwt = fs.root
	fs.parents = []*tangle.Tangle{fs.cwt}
	fs.path = []string{""}
	return fs, nil
}

// Worm exposes the underlying store (blob reads, refresh).
func (fs *FS) Worm() *worm.Worm {
	return fs.w
}

// Root returns the root base reference of this drive.
func (fs *FS) Root() tangle.Ref {
	return fs.root.Base
}

// Current returns the base reference of the working directory tangle.
func (fs *FS) Current() tangle.Ref {
	return fs.cwt.Base
}

// UUID reports the drive id derived from its salt and root key.
func (fs *FS) UUID() string {
	return UUIDFromKey(fs.w, fs.root.Base.ID)
}

// UUIDFromKey derives a drive UUID from a root message key.
func UUIDFromKey(w *worm.Worm, key string) string {
	env := w.ReadMsg(key)
	if env == nil {
		return ""
	}
	salt := ""
	if c, ok := tangle.ParseContent(env.Value.Content); ok {
		salt = c.Salt
	}
	return uuid.NewSHA1(nsUUID, []byte(salt+key)).String()
}

// Items lists the live entries of the current directory.
func (fs *FS) Items() ([]Dent, error) {
	if err := fs.cwt.Refresh(); err != nil {
		return nil, err
	}
	return listEntries(fs.w, fs.cwt)
}

// Ls lists the live entries of an arbitrary directory tangle.
func (fs *FS) Ls(dirref tangle.Ref) ([]Dent, error) {
	dir, err := tangle.New(fs.w, &dirref, tangle.Options{})
	if err != nil {
		return nil, err
	}
	return listEntries(fs.w, dir)
}

// listEntries runs the two-pass iteration: collect tombstones, then
// yield every non-unbind entry that is not tombstoned.
func listEntries(w *worm.Worm, t *tangle.Tangle) ([]Dent, error) {
	var order []string
	tomb := make(map[string]bool)
	it := t.Iter()
	for it.Next() {
		k := it.Key()
		order = append(order, k)
		env := w.ReadMsg(k)
		if env == nil {
			continue
		}
		c, ok := tangle.ParseContent(env.Value.Content)
		if !ok {
			continue
		}
		var d Dent
		if err := json.Unmarshal(c.Payload, &d); err != nil {
			continue
		}
		if d.Type == TypeUnbind {
			tomb[d.Key] = true
		}
	}
	var out []Dent
	for _, k := range order {
		if tomb[k] {
			continue
		}
		env := w.ReadMsg(k)
		if env == nil {
			continue
		}
		c, ok := tangle.ParseContent(env.Value.Content)
		if !ok {
			continue
		}
		var d Dent
		if err := json.Unmarshal(c.Payload, &d); err != nil {
			continue
		}
		if d.Type == TypeUnbind {
			continue
		}
		d.This = tangle.Ref{Author: env.Value.Author, ID: k}
		d.Timestamp = env.Value.Timestamp
		out = append(out, d)
	}
	return out, nil
}

// Getcwd reports the current working directory path.
func (fs *FS) Getcwd() string {
	return "/" + strings.Join(fs.path[1:], "/")
}

// Cd changes the working directory; `.`, `..`, and a leading `/` are
// normalized. The state is untouched on failure.
func (fs *FS) Cd(p string) error {
	newPars := append([]*tangle.Tangle(nil), fs.parents...)
	newPath := append([]string(nil), fs.path...)
	p = path.Clean(p)
	if strings.HasPrefix(p, "/") {
		p = strings.TrimPrefix(p, "/")
		newPars = newPars[:1]
		newPath = newPath[:1]
	}
	cwt := newPars[len(newPars)-1]
	if len(p) > 0 && p != "." {
		for _, comp := range strings.Split(p, "/") {
			switch comp {
			case ".":
				continue
			case "..":
				if len(newPath) > 1 {
					newPars = newPars[:len(newPars)-1]
					newPath = newPath[:len(newPath)-1]
				}
				cwt = newPars[len(newPars)-1]
			default:
				dents, err := listEntries(fs.w, cwt)
				if err != nil {
					return err
				}
				var hit *Dent
				for i := range dents {
					if dents[i].Name == comp && dents[i].Type == TypeBindDir {
						hit = &dents[i]
						break
					}
				}
				if hit == nil || hit.DirRef == nil {
					return fmt.Errorf("%w: %s", ErrNoSuchDir, comp)
				}
				next, err := tangle.New(fs.w, hit.DirRef, tangle.Options{})
				if err != nil {
					return err
				}
				cwt = next
				newPars = append(newPars, cwt)
				newPath = append(newPath, comp)
			}
		}
	}
	fs.cwt = cwt
	fs.parents = newPars
	fs.path = newPath
	return nil
}

// Mkdir creates a directory tangle and binds it under the given name
// in the current directory.
func (fs *FS) Mkdir(name string) error {
	drv := fs.root.Base
	dir, err := tangle.New(fs.w, nil, tangle.Options{Use: TagDir, DrvRef: &drv})
	if err != nil {
		return err
	}
	_, err = fs.cwt.Append(worm.Obj{
		{Key: "type", Value: TypeBindDir},
		{Key: "name", Value: name},
		{Key: "dirref", Value: worm.Arr{dir.Base.Author, dir.Base.ID}},
	}, nil)
	return err
}

// LinkBlob binds a name to a file blob in the current directory.
func (fs *FS) LinkBlob(name string, size int64, blobkey string) error {
	_, err := fs.cwt.Append(worm.Obj{
		{Key: "type", Value: TypeBindFile},
		{Key: "name", Value: name},
		{Key: "size", Value: size},
		{Key: "blobkey", Value: blobkey},
	}, nil)
	return err
}

// Rmdir tombstones the bindD entry named by its message key; the
// target directory must have no live entry.
func (fs *FS) Rmdir(bindkey string) error {
	dents, err := fs.Items()
	if err != nil {
		return err
	}
	for i := range dents {
		if dents[i].This.ID != bindkey {
			continue
		}
		if dents[i].Type != TypeBindDir || dents[i].DirRef == nil {
			return ErrWrongType
		}
		sub, err := fs.Ls(*dents[i].DirRef)
		if err != nil {
			return err
		}
		if len(sub) > 0 {
			return ErrNotEmpty
		}
		return fs.unbind(bindkey)
	}
	return ErrNoSuchEntry
}

// UnlinkBlob tombstones the bindF entry named by its message key.
func (fs *FS) UnlinkBlob(bindkey string) error {
	dents, err := fs.Items()
	if err != nil {
		return err
	}
	for i := range dents {
		if dents[i].This.ID != bindkey {
			continue
		}
		if dents[i].Type != TypeBindFile {
			return ErrWrongType
		}
		return fs.unbind(bindkey)
	}
	return ErrNoSuchEntry
}

func (fs *FS) unbind(bindkey string) error {
	_, err := fs.cwt.Append(worm.Obj{
		{Key: "type", Value: TypeUnbind},
		{Key: "key", Value: bindkey},
	}, nil)
	return err
}

// Close blocks the drive's root so discovery stops emitting it.
func (fs *FS) Close() error {
	_, err := fs.root.Append(worm.Obj{
		{Key: "type", Value: TypeBlocked},
	}, nil)
	return err
}

// FindRoots enumerates surviving drive roots newest first. A blocked
// record authored by the local identity removes its root from the
// candidates.
func FindRoots(w *worm.Worm) []tangle.Ref {
	var out []tangle.Ref
	closed := make(map[string]bool)
	found := make(map[string]bool)
	it := w.Iter()
	for it.Next() {
		k := it.Key()
		if closed[k] {
			continue
		}
		env := w.ReadMsg(k)
		if env == nil {
			continue
		}
		c, ok := tangle.ParseContent(env.Value.Content)
		if !ok {
			continue
		}
		if c.Base != nil && env.Value.Author == w.ID {
			var d Dent
			if err := json.Unmarshal(c.Payload, &d); err == nil && d.Type == TypeBlocked {
				closed[c.Base.ID] = true
				continue
			}
		}
		root := env
		if c.Base != nil {
			root = w.ReadMsg(c.Base.ID)
			if root == nil {
				continue
			}
			if c, ok = tangle.ParseContent(root.Value.Content); !ok {
				continue
			}
		}
		if c.Use != TagRoot || closed[root.Key] || found[root.Key] {
			continue
		}
		found[root.Key] = true
		out = append(out, tangle.Ref{Author: root.Value.Author, ID: root.Key})
	}
	return out
}

// MostRecent returns the newest surviving drive root.
func MostRecent(w *worm.Worm) (tangle.Ref, error) {
	roots := FindRoots(w)
	if len(roots) == 0 {
		return tangle.Ref{}, ErrNoDrive
	}
	return roots[0], nil
}

// ByUUID finds the drive root matching the given UUID string.
func ByUUID(w *worm.Worm, id string) (tangle.Ref, error) {
	for _, ref := range FindRoots(w) {
		if UUIDFromKey(w, ref.ID) == id {
			return ref, nil
		}
	}
	return tangle.Ref{}, ErrNoDrive
}
