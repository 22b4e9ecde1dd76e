/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package drive is the front-end over an open logical filesystem: the
// ls/cat/get/put/mkdir/rmdir/rm/stat/tree operations the CLI exposes.
// Missing blobs are handed to the prefetch hook so a connected session
// can pull them opportunistically.
package drive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"sort"
	"time"

	"github.com/ssbc/ssbdrv/lfs"
	"github.com/ssbc/ssbdrv/tangle"
	"github.com/ssbc/ssbdrv/worm"
)

// treeDepthLimit bounds the tree walk; the on-log data model permits
// directory cycles.
const treeDepthLimit = 75

var (
	ErrNotAvailable = errors.New("no such file, or content not available (yet)")
	ErrNoSuchFile   = errors.New("no such file")
	ErrNoSuchDir    = errors.New("no such directory")
)

// Drive wraps an open FS with the CLI-facing operations.
type Drive struct {
	FS       *lfs.FS
	Prefetch func(blobkey string)
}

// Open opens the drive rooted at rootRef (nil creates a new drive).
func Open(w *worm.Worm, rootRef *tangle.Ref) (*Drive, error) {
	fs, err := lfs.New(w, rootRef)
	if err != nil {
		return nil, err
	}
	return &Drive{FS: fs}, nil
}

func (d *Drive) UUID() string {
	return d.FS.UUID()
}

func (d *Drive) Pwd() string {
	return d.FS.Getcwd()
}

func (d *Drive) Cd(p string) error {
	return d.FS.Cd(p)
}

// Items lists the current directory sorted by name.
func (d *Drive) Items() ([]lfs.Dent, error) {
	dents, err := d.FS.Items()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(dents, func(i, j int) bool {
		return dents[i].Name < dents[j].Name
	})
	return dents, nil
}

// Ls lists the current directory, optionally filtered by a glob.
func (d *Drive) Ls(glob string) ([]lfs.Dent, error) {
	dents, err := d.Items()
	if err != nil {
		return nil, err
	}
	if glob == "" {
		return dents, nil
	}
	out := dents[:0]
	for _, dent := range dents {
		if ok, _ := path.Match(glob, dent.Name); ok {
			out = append(out, dent)
		}
	}
	return out, nil
}

// withDir runs fn with the working directory moved to dir, restoring
// the previous location afterwards.
func (d *Drive) withDir(dir string, fn func() error) error {
	if dir == "" || dir == "." {
		return fn()
	}
	back := d.FS.Getcwd()
	if err := d.FS.Cd(dir); err != nil {
		return err
	}
	err := fn()
	if cerr := d.FS.Cd(back); err == nil {
		err = cerr
	}
	return err
}

// lookupFile resolves a bindF entry by path.
func (d *Drive) lookupFile(p string) (dent lfs.Dent, err error) {
	dir, name := path.Split(p)
	err = d.withDir(path.Clean(dir), func() error {
		dents, err := d.Items()
		if err != nil {
			return err
		}
		for _, e := range dents {
			if e.Name == name && e.Type == lfs.TypeBindFile {
				dent = e
				return nil
			}
		}
		return ErrNoSuchFile
	})
	return
}

// Cat returns the content of the named file. When the blob is not yet
// local it is handed to the prefetch hook and ErrNotAvailable is
// returned.
func (d *Drive) Cat(remote string) ([]byte, error) {
	dent, err := d.lookupFile(remote)
	if err != nil {
		return nil, ErrNotAvailable
	}
	w := d.FS.Worm()
	if !w.BlobAvailable(dent.BlobKey) {
		if d.Prefetch != nil {
			d.Prefetch(dent.BlobKey)
		}
		return nil, ErrNotAvailable
	}
	return w.ReadBlob(dent.BlobKey)
}

// Get copies a drive file to the local filesystem.
func (d *Drive) Get(remote, local string) error {
	if local == "" {
		_, local = path.Split(remote)
	}
	data, err := d.Cat(remote)
	if err != nil {
		return err
	}
	return os.WriteFile(local, data, 0640)
}

// Put stores a local file as a blob and binds it at the remote path
// (defaulting to the local basename in the current directory).
func (d *Drive) Put(local, remote string) error {
	data, err := os.ReadFile(local)
	if err != nil {
		return err
	}
	if remote == "" {
		_, remote = path.Split(local)
	}
	key, err := d.FS.Worm().WriteBlob(data)
	if err != nil {
		return err
	}
	dir, name := path.Split(remote)
	return d.withDir(path.Clean(dir), func() error {
		return d.FS.LinkBlob(name, int64(len(data)), key)
	})
}

// Mkdir creates a directory at the given path; intermediate components
// must already exist.
func (d *Drive) Mkdir(p string) error {
	dir, name := path.Split(path.Clean(p))
	return d.withDir(path.Clean(dir), func() error {
		return d.FS.Mkdir(name)
	})
}

// Rm tombstones every bindF entry matching the glob in the current
// directory.
func (d *Drive) Rm(glob string) error {
	dents, err := d.Items()
	if err != nil {
		return err
	}
	cnt := 0
	for _, dent := range dents {
		if dent.Type != lfs.TypeBindFile {
			continue
		}
		if glob != "" {
			if ok, _ := path.Match(glob, dent.Name); !ok {
				continue
			}
		}
		if err = d.FS.UnlinkBlob(dent.This.ID); err != nil {
			return err
		}
		cnt++
	}
	if cnt == 0 {
		return ErrNoSuchFile
	}
	return nil
}

// Rmdir tombstones the bindD entries matching the glob in the current
// directory, in listing order; it stops with an error at the first
// matching directory that is not empty.
func (d *Drive) Rmdir(glob string) error {
	dents, err := d.Items()
	if err != nil {
		return err
	}
	cnt := 0
	for _, dent := range dents {
		if dent.Type != lfs.TypeBindDir {
			continue
		}
		if glob != "" {
			if ok, _ := path.Match(glob, dent.Name); !ok {
				continue
			}
		}
		if err = d.FS.Rmdir(dent.This.ID); err != nil {
			return err
		}
		cnt++
	}
	if cnt == 0 {
		return ErrNoSuchDir
	}
	return nil
}

// StatEntry is one Stat result: the bind record plus its provenance.
type StatEntry struct {
	lfs.Dent
	Creator string
	DentKey string
}

// Stat reports the full bind records matching the glob.
func (d *Drive) Stat(glob string) ([]StatEntry, error) {
	dents, err := d.Items()
	if err != nil {
		return nil, err
	}
	var out []StatEntry
	for _, dent := range dents {
		if glob != "" {
			if ok, _ := path.Match(glob, dent.Name); !ok {
				continue
			}
		}
		out = append(out, StatEntry{
			Dent:    dent,
			Creator: dent.This.Author,
			DentKey: dent.This.ID,
		})
	}
	return out, nil
}

// Tree renders the subtree below the current directory.
func (d *Drive) Tree(out io.Writer) error {
	fmt.Fprintln(out, ".")
	return d.tree(out, "", d.FS.Current())
}

func (d *Drive) tree(out io.Writer, lev string, dirRef tangle.Ref) error {
	// every level adds a four-character prefix to lev
	if len(lev)/4 > treeDepthLimit {
		fmt.Fprintln(out, lev+"...")
		return nil
	}
	dents, err := d.FS.Ls(dirRef)
	if err != nil {
		return err
	}
	sort.SliceStable(dents, func(i, j int) bool {
		return dents[i].Name < dents[j].Name
	})
	cnt := len(dents)
	for _, dent := range dents {
		x := dent.Name
		if dent.Type == lfs.TypeBindDir {
			x += "/"
		}
		cnt--
		if cnt > 0 {
			x = "|-- " + x
		} else {
			x = "'-- " + x
		}
		fmt.Fprintln(out, lev+x)
		if dent.Type == lfs.TypeBindDir && dent.DirRef != nil {
			pfx := "    "
			if cnt > 0 {
				pfx = "|   "
			}
			if err = d.tree(out, lev+pfx, *dent.DirRef); err != nil {
				return err
			}
		}
	}
	return nil
}

// FormatLong renders an ls -l style line for a directory entry,
// flagging entries whose blob or directory is not yet local.
func (d *Drive) FormatLong(dent lfs.Dent, human bool) string {
	w := d.FS.Worm()
	var kind string
	switch dent.Type {
	case lfs.TypeBindFile:
		if w.BlobAvailable(dent.BlobKey) {
			kind = "- "
		} else {
			kind = "-?"
		}
	case lfs.TypeBindDir:
		if dent.DirRef != nil && w.ReadMsg(dent.DirRef.ID) != nil {
			kind = "d "
		} else {
			kind = "d?"
		}
	default:
		kind = "X "
	}
	size := ""
	if dent.Type == lfs.TypeBindFile {
		if human {
			size = humanSize(dent.Size)
		} else {
			size = fmt.Sprintf("%d", dent.Size)
		}
	}
	ts := time.UnixMilli(dent.Timestamp).UTC().Format("2006-01-02 15:04:05")
	return fmt.Sprintf("%s %8s %s %s", kind, size, ts, dent.Name)
}

func humanSize(n int64) string {
	const scale = " KMGTP"
	i := 0
	v := n
	for v >= 1024 && i < len(scale)-1 {
		v >>= 10
		i++
	}
	if i == 0 {
		return fmt.Sprintf("%d", n)
	}
	f := int64(1) << (10 * i)
	return fmt.Sprintf("%d%c", (n+f-1)/f, scale[i])
}
