/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package config handles the on-disk user layout under the ssb home
// directory, the friends follow file, and the optional drive.conf.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gravwell/gcfg"

	"github.com/ssbc/ssbdrv/keys"
)

const (
	DefaultPort = 8008

	userPrefix  = `user.`
	secretFile  = `secret`
	flumeDir    = `flume`
	friendsFile = `friends.json`
	confFile    = `drive.conf`
)

var (
	ErrUserExists = errors.New("user already exists")
	ErrNoUser     = errors.New("no such user")
)

// Home resolves the ssb home directory; an empty override selects
// ~/.ssb.
func Home(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	hd, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(hd, ".ssb"), nil
}

// UserDir maps a username to its directory; the empty name is the
// default user living in the home directory itself.
func UserDir(home, name string) string {
	if name == "" {
		return home
	}
	return filepath.Join(home, userPrefix+name)
}

// LoadUserSecret loads the secret of the named user.
func LoadUserSecret(home, name string) (*keys.Secret, error) {
	return keys.LoadSecret(filepath.Join(UserDir(home, name), secretFile))
}

// NewUser creates a user directory with a fresh secret and an empty
// flume directory. The empty name initializes the default user.
func NewUser(home, name string) (*keys.Secret, error) {
	dir := UserDir(home, name)
	if name != "" {
		if _, err := os.Stat(dir); err == nil {
			return nil, fmt.Errorf("%w: %s", ErrUserExists, name)
		}
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, err
	}
	secret, err := keys.CreateSecret(filepath.Join(dir, secretFile))
	if err != nil {
		return nil, err
	}
	if err = os.MkdirAll(filepath.Join(dir, flumeDir), 0750); err != nil {
		return nil, err
	}
	return secret, nil
}

// User pairs a local username with its identity.
type User struct {
	Name string
	ID   string
}

// ListUsers enumerates the default user plus every user.<name>
// directory carrying a secret.
func ListUsers(home string) ([]User, error) {
	var out []User
	if s, err := keys.LoadSecret(filepath.Join(home, secretFile)); err == nil {
		out = append(out, User{Name: "", ID: s.ID})
	}
	ents, err := os.ReadDir(home)
	if err != nil {
		if os.IsNotExist(err) {
			return out, nil
		}
		return nil, err
	}
	for _, e := range ents {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), userPrefix) {
			continue
		}
		s, err := keys.LoadSecret(filepath.Join(home, e.Name(), secretFile))
		if err != nil {
			continue
		}
		out = append(out, User{Name: strings.TrimPrefix(e.Name(), userPrefix), ID: s.ID})
	}
	return out, nil
}

// friendsJSON is the version-2 follow file: a per-author map of
// followed identities.
type friendsJSON struct {
	Seq     int64                      `json:"seq"`
	Version int                        `json:"version"`
	Value   map[string]map[string]bool `json:"value"`
}

func friendsPath(userDir string) string {
	return filepath.Join(userDir, flumeDir, friendsFile)
}

func loadFriendsFile(userDir string) (*friendsJSON, error) {
	raw, err := os.ReadFile(friendsPath(userDir))
	if err != nil {
		return nil, err
	}
	var fj friendsJSON
	if err = json.Unmarshal(raw, &fj); err != nil {
		return nil, err
	}
	if fj.Value == nil {
		fj.Value = make(map[string]map[string]bool)
	}
	return &fj, nil
}

func saveFriendsFile(userDir string, fj *friendsJSON) error {
	raw, err := json.Marshal(fj)
	if err != nil {
		return err
	}
	return os.WriteFile(friendsPath(userDir), raw, 0640)
}

// LoadFriends returns the set of identities the given identity follows.
// A missing file is an empty set.
func LoadFriends(userDir, selfID string) ([]string, error) {
	fj, err := loadFriendsFile(userDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []string
	for id, flag := range fj.Value[selfID] {
		if flag {
			out = append(out, id)
		}
	}
	return out, nil
}

// Befriend makes two local users follow each other, creating either
// friends file as needed.
func Befriend(home, nameA, nameB string) error {
	names := [2]string{nameA, nameB}
	var dirs [2]string
	var ids [2]string
	var files [2]*friendsJSON
	for i, n := range names {
		dirs[i] = UserDir(home, n)
		s, err := keys.LoadSecret(filepath.Join(dirs[i], secretFile))
		if err != nil {
			return fmt.Errorf("%w: %s", ErrNoUser, n)
		}
		ids[i] = s.ID
		if err = os.MkdirAll(filepath.Join(dirs[i], flumeDir), 0750); err != nil {
			return err
		}
		fj, err := loadFriendsFile(dirs[i])
		if err != nil {
			if !os.IsNotExist(err) {
				return err
			}
			fj = &friendsJSON{Version: 2, Value: map[string]map[string]bool{ids[i]: {}}}
		}
		if fj.Value[ids[i]] == nil {
			fj.Value[ids[i]] = make(map[string]bool)
		}
		files[i] = fj
	}
	files[0].Value[ids[0]][ids[1]] = true
	files[1].Value[ids[1]][ids[0]] = true
	for i := range dirs {
		if err := saveFriendsFile(dirs[i], files[i]); err != nil {
			return err
		}
	}
	return nil
}

// DriveConf is the optional gcfg configuration file in the home
// directory. CLI flags override any value set here.
type DriveConf struct {
	Global struct {
		Port         int
		App_Key      string
		Default_Peer string
		Log_Level    string
	}
}

// LoadConf reads <home>/drive.conf; a missing file yields defaults.
func LoadConf(home string) (*DriveConf, error) {
	var dc DriveConf
	dc.Global.Port = DefaultPort
	raw, err := os.ReadFile(filepath.Join(home, confFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &dc, nil
		}
		return nil, err
	}
	if err = gcfg.ReadStringInto(&dc, string(raw)); err != nil {
		return nil, err
	}
	if dc.Global.Port == 0 {
		dc.Global.Port = DefaultPort
	}
	return &dc, nil
}
