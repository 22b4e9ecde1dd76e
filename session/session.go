/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session owns a user's open store and drives replication:
// every connection, inbound or outbound, serves the RPC methods and
// concurrently subscribes to the history of each followed identity.
package session

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/gravwell/jsonparser"

	"github.com/ssbc/ssbdrv/config"
	"github.com/ssbc/ssbdrv/keys"
	"github.com/ssbc/ssbdrv/log"
	"github.com/ssbc/ssbdrv/muxrpc"
	"github.com/ssbc/ssbdrv/shs"
	"github.com/ssbc/ssbdrv/worm"
)

var (
	ErrSequenceGap = errors.New("sequence gap in history stream")
	ErrBadPeer     = errors.New("malformed peer address, want host:port:id")
)

// Session binds a local identity to its open store.
type Session struct {
	Secret  *keys.Secret
	Worm    *worm.Worm
	UserDir string
	lg      *log.Logger
}

// New opens the store of the named user under home. The store lock is
// taken here; a second process gets worm.ErrLockHeld.
func New(home, user string, lg *log.Logger) (*Session, error) {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	secret, err := config.LoadUserSecret(home, user)
	if err != nil {
		return nil, err
	}
	dir := config.UserDir(home, user)
	w, err := worm.Open(dir, secret)
	if err != nil {
		return nil, err
	}
	w.SetLogger(lg)
	return &Session{Secret: secret, Worm: w, UserDir: dir, lg: lg}, nil
}

func (s *Session) Close() error {
	return s.Worm.Close()
}

// Friends returns the ids to replicate: the follow set plus our own
// identity (so a lost log can be recovered from peers).
func (s *Session) Friends() []string {
	ids, err := config.LoadFriends(s.UserDir, s.Secret.ID)
	if err != nil {
		s.lg.Error("cannot read friends file", log.KVErr(err))
	}
	for _, id := range ids {
		if id == s.Secret.ID {
			return ids
		}
	}
	return append(ids, s.Secret.ID)
}

// API builds the dispatch table for one connection.
func (s *Session) API() *muxrpc.API {
	api := muxrpc.NewAPI(s.lg)
	api.Define(`createHistoryStream`, s.createHistoryStream)
	api.Define(`blobs.get`, s.blobsGet)
	api.Define(`blobs.createWants`, s.blobsCreateWants)
	return api
}

// histArgs is the first argument of createHistoryStream.
type histArgs struct {
	ID   string `json:"id"`
	Seq  int64  `json:"seq"`
	Live bool   `json:"live"`
	Keys bool   `json:"keys"`
}

type envOut struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Timestamp int64           `json:"timestamp"`
}

func (s *Session) createHistoryStream(ps *muxrpc.PacketStream, req *muxrpc.Request) {
	var a histArgs
	if err := req.Arg(&a); err != nil {
		muxrpc.SendJSON(ps, -req.Req, false, true, muxrpc.ErrorBody{Name: `Error`, Message: `bad createHistoryStream args`})
		return
	}
	s.lg.Info("serving history stream", log.KV("id", a.ID), log.KV("seq", a.Seq), log.KV("peer", ps.RemoteID()))
	emit := func(env *worm.Envelope) error {
		if a.Keys {
			return sendEnvelope(ps, -req.Req, env)
		}
		return muxrpc.SendRaw(ps, -req.Req, true, false, env.RawValue)
	}
	for i := a.Seq; ; i++ {
		env := s.Worm.GetMsgBySequence(a.ID, i)
		if env == nil {
			break
		}
		if err := emit(env); err != nil {
			return
		}
	}
	if a.ID == s.Worm.ID && a.Live {
		// keep the stream open; future local appends flow through it
		s.Worm.NotifyOnExtend(func(env *worm.Envelope) {
			emit(env)
		})
		return
	}
	muxrpc.SendJSON(ps, -req.Req, true, true, true)
}

func sendEnvelope(ps *muxrpc.PacketStream, req int32, env *worm.Envelope) error {
	body, err := json.Marshal(envOut{Key: env.Key, Value: env.RawValue, Timestamp: env.Timestamp})
	if err != nil {
		return err
	}
	return muxrpc.SendRaw(ps, req, true, false, body)
}

func (s *Session) blobsGet(ps *muxrpc.PacketStream, req *muxrpc.Request) {
	var id string
	if err := req.Arg(&id); err != nil {
		// some peers wrap the id in an object
		var obj struct {
			Key  string `json:"key"`
			Hash string `json:"hash"`
		}
		if err = req.Arg(&obj); err != nil {
			muxrpc.SendJSON(ps, -req.Req, false, true, muxrpc.ErrorBody{Name: `Error`, Message: `bad blobs.get args`})
			return
		}
		if id = obj.Key; id == "" {
			id = obj.Hash
		}
	}
	s.lg.Info("serving blob", log.KV("blob", id), log.KV("peer", ps.RemoteID()))
	if !s.Worm.BlobAvailable(id) {
		muxrpc.SendJSON(ps, -req.Req, false, true, muxrpc.ErrorBody{Name: `Error`, Message: `no such blob`})
		return
	}
	data, err := s.Worm.ReadBlob(id)
	if err != nil {
		muxrpc.SendJSON(ps, -req.Req, false, true, muxrpc.ErrorBody{Name: `Error`, Message: `local error`})
		return
	}
	if err = muxrpc.SendBuffer(ps, -req.Req, true, false, data); err != nil {
		return
	}
	muxrpc.SendJSON(ps, -req.Req, true, true, true)
}

func (s *Session) blobsCreateWants(ps *muxrpc.PacketStream, req *muxrpc.Request) {
	muxrpc.SendJSON(ps, -req.Req, true, true, true)
}

// becomeClient opens a history stream for every replicated identity.
func (s *Session) becomeClient(ps *muxrpc.PacketStream, oneShot bool) {
	for _, id := range s.Friends() {
		_, seq := s.Worm.Latest(id)
		if err := s.requestLogFeed(ps, id, seq+1, oneShot); err != nil {
			s.lg.Warn("history stream failed", log.KV("id", id), log.KVErr(err))
			return
		}
	}
	if err := s.Worm.Flush(); err != nil {
		s.lg.Error("flush failed", log.KVErr(err))
	}
}

func (s *Session) requestLogFeed(ps *muxrpc.PacketStream, id string, seq int64, oneShot bool) error {
	s.lg.Info("requesting feed", log.KV("id", id), log.KV("seq", seq))
	h, err := muxrpc.Call(ps, `createHistoryStream`, []interface{}{histArgs{
		ID:   id,
		Seq:  seq,
		Live: !oneShot,
		Keys: false,
	}}, muxrpc.CallSource)
	if err != nil {
		return err
	}
	if oneShot {
		for pkt := range h.C {
			if done := s.consumeHistory(pkt); done {
				break
			}
		}
		return nil
	}
	// live streams drain in the background for the connection lifetime
	go func() {
		for pkt := range h.C {
			if done := s.consumeHistory(pkt); done {
				break
			}
		}
	}()
	return nil
}

// consumeHistory ingests one history frame; it reports true when the
// stream is finished.
func (s *Session) consumeHistory(pkt *muxrpc.Packet) bool {
	if eb, ok := muxrpc.IsError(pkt); ok {
		s.lg.Warn("history stream error", log.KV("message", eb.Message))
		return true
	}
	if pkt.Type == muxrpc.JSONBody && len(pkt.Body) > 0 && pkt.Body[0] == '{' {
		if err := s.ingest(pkt.Body); err != nil {
			s.lg.Warn("cannot ingest message", log.KVErr(err))
		}
	}
	if pkt.EndErr {
		if err := s.Worm.Flush(); err != nil {
			s.lg.Error("flush failed", log.KVErr(err))
		}
		return true
	}
	return false
}

// ingest reformats a received message value into canonical form and
// appends it. Gaps are reported and skipped; the stream stays open.
func (s *Session) ingest(body []byte) error {
	author, err := jsonparser.GetString(body, "author")
	if err != nil {
		return fmt.Errorf("%w: no author", worm.ErrInvalidMessage)
	}
	seq, err := jsonparser.GetInt(body, "sequence")
	if err != nil {
		return fmt.Errorf("%w: no sequence", worm.ErrInvalidMessage)
	}
	ts, err := jsonparser.GetInt(body, "timestamp")
	if err != nil {
		return fmt.Errorf("%w: no timestamp", worm.ErrInvalidMessage)
	}
	hashAlgo, err := jsonparser.GetString(body, "hash")
	if err != nil {
		return fmt.Errorf("%w: no hash", worm.ErrInvalidMessage)
	}
	sig, err := jsonparser.GetString(body, "signature")
	if err != nil {
		return fmt.Errorf("%w: no signature", worm.ErrInvalidMessage)
	}
	prev := ""
	if v, dt, _, err := jsonparser.Get(body, "previous"); err == nil && dt == jsonparser.String {
		prev = string(v)
	}
	content, err := rawField(body, "content")
	if err != nil {
		return fmt.Errorf("%w: no content", worm.ErrInvalidMessage)
	}

	_, known := s.Worm.Latest(author)
	if known+1 != seq {
		s.lg.Warn("sequence gap", log.KV("author", author),
			log.KV("got", seq), log.KV("want", known+1))
		return fmt.Errorf("%w: got %d want %d", ErrSequenceGap, seq, known+1)
	}
	msg, err := worm.FormatMessage(prev, seq, author, ts, hashAlgo, worm.RawValue(content), sig)
	if err != nil {
		return err
	}
	key, err := s.Worm.AppendVerified([]byte(msg))
	if err != nil {
		return err
	}
	s.lg.Debugf("appended %s seq %d as %s", author, seq, key)
	return nil
}

// rawField extracts the exact JSON token of a field, re-quoting string
// values.
func rawField(body []byte, field string) ([]byte, error) {
	v, dt, _, err := jsonparser.Get(body, field)
	if err != nil {
		return nil, err
	}
	if dt == jsonparser.String {
		out := make([]byte, 0, len(v)+2)
		out = append(out, '"')
		out = append(out, v...)
		out = append(out, '"')
		return out, nil
	}
	return v, nil
}

// FetchBlob pulls one blob from the peer and stores it if the digest
// checks out.
func (s *Session) FetchBlob(ps *muxrpc.PacketStream, id string) {
	s.lg.Info("fetching blob", log.KV("blob", id))
	h, err := muxrpc.Call(ps, `blobs.get`, []interface{}{id}, muxrpc.CallSource)
	if err != nil {
		return
	}
	var data []byte
	for pkt := range h.C {
		if eb, ok := muxrpc.IsError(pkt); ok {
			s.lg.Warn("blob fetch failed", log.KV("blob", id), log.KV("message", eb.Message))
			return
		}
		if pkt.Type == muxrpc.BufferBody {
			data = append(data, pkt.Body...)
		}
		if pkt.EndErr {
			break
		}
	}
	want, err := keys.IDBytes(id)
	got, gerr := keys.IDBytes(keys.BlobID(data))
	if err != nil || gerr != nil || !bytes.Equal(want, got) {
		s.lg.Warn("blob digest mismatch", log.KV("blob", id), log.KV("size", len(data)))
		return
	}
	if _, err = s.Worm.WriteBlob(data); err != nil {
		s.lg.Error("cannot store blob", log.KV("blob", id), log.KVErr(err))
	}
}

// Prefetcher returns the hook handed to the drive front-end: it pulls
// referenced blobs that are not yet local.
func (s *Session) Prefetcher(ps *muxrpc.PacketStream) func(string) {
	return func(id string) {
		go s.FetchBlob(ps, id)
	}
}

// HandleConn runs the symmetric per-connection protocol: serve inbound
// requests and concurrently replicate as a client. It returns when the
// connection dies, or after the one-shot sync completes.
func (s *Session) HandleConn(conn muxrpc.Transport, oneShot bool) error {
	ps := muxrpc.NewPacketStream(conn, s.lg)
	api := s.API()
	s.lg.Info("peer connected", log.KV("peer", conn.RemoteID()))

	loopDone := make(chan error, 1)
	go func() {
		loopDone <- ps.ReadLoop(func(p *muxrpc.Packet) {
			go api.Dispatch(ps, p)
		})
	}()

	s.becomeClient(ps, oneShot)
	if oneShot {
		ps.Close()
		<-loopDone
		s.Worm.NotifyOnExtend(nil)
		return nil
	}
	err := <-loopDone
	s.Worm.NotifyOnExtend(nil)
	s.lg.Info("peer disconnected", log.KV("peer", conn.RemoteID()))
	return err
}

// Serve accepts connections forever, one handshake and protocol loop
// per peer.
func (s *Session) Serve(ln net.Listener, appKey []byte) error {
	s.lg.Info("listening", log.KV("addr", ln.Addr().String()), log.KV("id", s.Secret.ID))
	for {
		c, err := ln.Accept()
		if err != nil {
			return err
		}
		go func(c net.Conn) {
			conn, err := shs.ServerConn(c, s.Secret, appKey)
			if err != nil {
				s.lg.Warn("handshake failed", log.KVErr(err))
				c.Close()
				return
			}
			if err = s.HandleConn(conn, false); err != nil {
				s.lg.Warn("connection failed", log.KVErr(err))
			}
			conn.Close()
		}(c)
	}
}

// ParsePeer splits a host:port:id peer spec.
func ParsePeer(spec string) (host string, port int, id string, err error) {
	parts := strings.SplitN(spec, ":", 3)
	if len(parts) != 3 {
		return "", 0, "", ErrBadPeer
	}
	port, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", fmt.Errorf("%w: %v", ErrBadPeer, err)
	}
	return parts[0], port, parts[2], nil
}

// Dial connects to a peer and runs the protocol; with oneShot the call
// returns after a single synchronization pass.
func (s *Session) Dial(host string, port int, peerID string, appKey []byte, oneShot bool) error {
	pub, err := keys.IDBytes(peerID)
	if err != nil {
		return err
	}
	c, err := net.Dial(`tcp`, net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	conn, err := shs.ClientConn(c, s.Secret, pub, appKey)
	if err != nil {
		c.Close()
		return err
	}
	defer conn.Close()
	return s.HandleConn(conn, oneShot)
}
