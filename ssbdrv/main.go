/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/ssbc/ssbdrv/config"
	"github.com/ssbc/ssbdrv/drive"
	"github.com/ssbc/ssbdrv/lfs"
	"github.com/ssbc/ssbdrv/log"
	"github.com/ssbc/ssbdrv/session"
	"github.com/ssbc/ssbdrv/shs"
	"github.com/ssbc/ssbdrv/tangle"
)

const version = `0.3.0`

var (
	homeDir  = flag.String("home", "", "ssb home directory (default ~/.ssb)")
	userName = flag.String("user", "", "local username (default user when empty)")
	newDrive = flag.Bool("new", false, "create a new drive")
	listDrv  = flag.Bool("list", false, "list all discovered drives")
	delDrive = flag.Bool("del", false, "close (delete) the selected drive")
	port     = flag.Int("port", 0, "listen on this port (become a server)")
	peer     = flag.String("peer", "", "dial a peer given as host:port:id")
	syncOnly = flag.Bool("sync", false, "one-shot replication, then exit")
	newUser  = flag.String("newuser", "", "create a new local user")
	users    = flag.Bool("users", false, "list local users")
	friends  = flag.String("friends", "", "befriend two local users, given as A,B")
	logLevel = flag.String("log-level", "", "log level (DEBUG..CRITICAL)")
	ver      = flag.Bool("v", false, "print version and exit")
)

func main() {
	flag.Parse()
	if *ver {
		fmt.Printf("ssbdrv %s\n", version)
		return
	}
	lg := log.NewStderr()

	home, err := config.Home(*homeDir)
	if err != nil {
		lg.Fatal("cannot resolve home directory", log.KVErr(err))
	}
	conf, err := config.LoadConf(home)
	if err != nil {
		lg.Fatal("cannot read drive.conf", log.KVErr(err))
	}
	switch {
	case *logLevel != "":
		if err = lg.SetLevelString(*logLevel); err != nil {
			lg.Fatal("bad log level", log.KV("level", *logLevel))
		}
	case conf.Global.Log_Level != "":
		if err = lg.SetLevelString(conf.Global.Log_Level); err != nil {
			lg.Fatal("bad log level in drive.conf", log.KV("level", conf.Global.Log_Level))
		}
	}

	if adminCommands(home, lg) {
		return
	}

	sess, err := session.New(home, *userName, lg)
	if err != nil {
		lg.Fatal("cannot open session", log.KVErr(err))
	}
	defer sess.Close()

	appKey := shs.DefaultAppKey
	if conf.Global.App_Key != "" {
		if appKey, err = base64.StdEncoding.DecodeString(conf.Global.App_Key); err != nil {
			lg.Fatal("bad App-Key in drive.conf", log.KVErr(err))
		}
	}

	if *port != 0 {
		ln, err := net.Listen(`tcp`, net.JoinHostPort("", strconv.Itoa(*port)))
		if err != nil {
			lg.Fatal("cannot listen", log.KVErr(err))
		}
		if err = sess.Serve(ln, appKey); err != nil {
			lg.Fatal("server failed", log.KVErr(err))
		}
		return
	}

	if *peer != "" || *syncOnly {
		spec := *peer
		if spec == "" {
			spec = conf.Global.Default_Peer
		}
		if spec == "" {
			lg.Fatal("no peer given and no Default-Peer configured")
		}
		host, pport, id, err := session.ParsePeer(spec)
		if err != nil {
			lg.Fatal("bad peer", log.KV("peer", spec), log.KVErr(err))
		}
		if err = sess.Dial(host, pport, id, appKey, *syncOnly); err != nil {
			lg.Fatal("peer connection failed", log.KVErr(err))
		}
		return
	}

	driveCommands(sess, lg)
}

// adminCommands handles the user management flags; it reports whether
// one of them ran.
func adminCommands(home string, lg *log.Logger) bool {
	switch {
	case *users:
		lst, err := config.ListUsers(home)
		if err != nil {
			lg.Fatal("cannot list users", log.KVErr(err))
		}
		for _, u := range lst {
			name := u.Name
			if name == "" {
				name = "(default)"
			}
			fmt.Printf("%s  %s\n", u.ID, name)
		}
		return true
	case *newUser != "":
		s, err := config.NewUser(home, *newUser)
		if err != nil {
			lg.Fatal("cannot create user", log.KV("user", *newUser), log.KVErr(err))
		}
		fmt.Printf("new user %s (%s)\n", *newUser, s.ID)
		return true
	case *friends != "":
		parts := strings.SplitN(*friends, ",", 2)
		if len(parts) != 2 {
			lg.Fatal("friends wants two usernames, A,B")
		}
		if err := config.Befriend(home, parts[0], parts[1]); err != nil {
			lg.Fatal("cannot befriend", log.KVErr(err))
		}
		fmt.Println("friend records updated")
		return true
	}
	return false
}

// driveCommands selects a drive and runs the requested operation on it.
func driveCommands(sess *session.Session, lg *log.Logger) {
	args := flag.Args()

	if *listDrv {
		for _, ref := range lfs.FindRoots(sess.Worm) {
			fmt.Printf("%s  %s\n", lfs.UUIDFromKey(sess.Worm, ref.ID), ref.Author)
		}
		return
	}

	var rootRef *tangle.Ref
	if len(args) > 0 && looksLikeUUID(args[0]) {
		ref, err := lfs.ByUUID(sess.Worm, args[0])
		if err != nil {
			lg.Fatal("no such drive", log.KV("uuid", args[0]))
		}
		rootRef = &ref
		args = args[1:]
	} else if !*newDrive {
		ref, err := lfs.MostRecent(sess.Worm)
		if err != nil {
			lg.Fatal("no drive found, create one with -new")
		}
		rootRef = &ref
	}

	d, err := drive.Open(sess.Worm, rootRef)
	if err != nil {
		lg.Fatal("cannot open drive", log.KVErr(err))
	}
	if *newDrive {
		fmt.Printf("new drive %s\n", d.UUID())
		if len(args) == 0 {
			return
		}
	}
	if *delDrive {
		if err = d.FS.Close(); err != nil {
			lg.Fatal("cannot close drive", log.KVErr(err))
		}
		fmt.Println("drive deleted")
		return
	}
	if len(args) == 0 {
		fmt.Printf("drive %s\n", d.UUID())
		return
	}
	if err = runCommand(d, args); err != nil {
		lg.Fatal("command failed", log.KV("cmd", args[0]), log.KVErr(err))
	}
}

func looksLikeUUID(s string) bool {
	if len(s) != 36 {
		return false
	}
	return s[8] == '-' && s[13] == '-' && s[18] == '-' && s[23] == '-'
}

func runCommand(d *drive.Drive, args []string) error {
	cmd, rest := args[0], args[1:]
	arg := func(i int) string {
		if i < len(rest) {
			return rest[i]
		}
		return ""
	}
	switch cmd {
	case `ls`:
		long := false
		glob := arg(0)
		if strings.HasPrefix(glob, "-") {
			long = strings.Contains(glob, "l")
			glob = arg(1)
		}
		dents, err := d.Ls(glob)
		if err != nil {
			return err
		}
		for _, dent := range dents {
			if long {
				fmt.Println(d.FormatLong(dent, false))
			} else {
				fmt.Println(dent.Name)
			}
		}
		return nil
	case `cd`:
		p := arg(0)
		if p == "" {
			p = "/"
		}
		if err := d.Cd(p); err != nil {
			return err
		}
		fmt.Println(d.Pwd())
		return nil
	case `pwd`:
		fmt.Println(d.Pwd())
		return nil
	case `mkdir`:
		return d.Mkdir(arg(0))
	case `rmdir`:
		return d.Rmdir(arg(0))
	case `rm`:
		return d.Rm(arg(0))
	case `put`:
		return d.Put(arg(0), arg(1))
	case `get`:
		return d.Get(arg(0), arg(1))
	case `cat`:
		data, err := d.Cat(arg(0))
		if err != nil {
			return err
		}
		os.Stdout.Write(data)
		return nil
	case `stat`:
		ents, err := d.Stat(arg(0))
		if err != nil {
			return err
		}
		for _, e := range ents {
			fmt.Printf("%s %s size=%d blob=%s creator=%s key=%s\n",
				e.Type, e.Name, e.Size, e.BlobKey, e.Creator, e.DentKey)
		}
		return nil
	case `tree`:
		return d.Tree(os.Stdout)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
