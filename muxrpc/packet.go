/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package muxrpc carries the packet-stream framing and the
// name-dispatched RPC used between peers: 9-byte headers with request
// ids over the box-stream, and sync/async/source/sink/duplex calls
// above them.
package muxrpc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ssbc/ssbdrv/log"
)

// Transport is the record-oriented authenticated stream the packet
// layer runs over; *shs.Conn implements it.
type Transport interface {
	ReadRecord() ([]byte, error)
	Write(p []byte) (int, error)
	Close() error
	RemoteID() string
}

type BodyType byte

const (
	BufferBody BodyType = 0
	TextBody   BodyType = 1
	JSONBody   BodyType = 2
)

const (
	packetHeaderLen = 9
	maxBodyLen      = 64 * 1024 * 1024

	flagStream = 0x08
	flagEndErr = 0x04
	flagType   = 0x03
)

var ErrProtocol = errors.New("protocol error")

// Packet is one framed message. A negative Req is a response to
// request -Req; EndErr terminates the logical stream it belongs to.
type Packet struct {
	Stream bool
	EndErr bool
	Type   BodyType
	Req    int32
	Body   []byte
}

// recordReader adapts the record-oriented box-stream into a byte
// stream, so frame bodies may span records and records may carry
// several frames.
type recordReader struct {
	c   Transport
	buf []byte
}

func (r *recordReader) Read(p []byte) (int, error) {
	if len(r.buf) == 0 {
		rec, err := r.c.ReadRecord()
		if err != nil {
			return 0, err
		}
		r.buf = rec
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

// ResponseHandler receives the reply frames of one request. C is
// closed after the end/err frame (which is delivered), on Cancel, or
// when the connection dies.
type ResponseHandler struct {
	Req int32
	C   chan *Packet

	mu     sync.Mutex
	closed bool
}

func (h *ResponseHandler) deliver(p *Packet) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.C <- p
}

func (h *ResponseHandler) shut() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.C)
	}
}

// PacketStream frames packets over an authenticated connection and
// routes responses to their per-request handlers.
type PacketStream struct {
	conn Transport
	rr   *recordReader

	wmu sync.Mutex

	hmu      sync.Mutex
	reqCtr   int32
	handlers map[int32]*ResponseHandler

	lg *log.Logger
}

func NewPacketStream(conn Transport, lg *log.Logger) *PacketStream {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &PacketStream{
		conn:     conn,
		rr:       &recordReader{c: conn},
		reqCtr:   1,
		handlers: make(map[int32]*ResponseHandler),
		lg:       lg,
	}
}

// RemoteID reports the authenticated peer identity.
func (ps *PacketStream) RemoteID() string {
	return ps.conn.RemoteID()
}

// Close tears down the underlying connection; the read loop will
// resolve all outstanding handlers.
func (ps *PacketStream) Close() error {
	return ps.conn.Close()
}

func (ps *PacketStream) readPacket() (*Packet, error) {
	var hdr [packetHeaderLen]byte
	if _, err := io.ReadFull(ps.rr, hdr[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > maxBodyLen {
		return nil, fmt.Errorf("%w: oversize frame (%d bytes)", ErrProtocol, length)
	}
	p := &Packet{
		Stream: hdr[0]&flagStream != 0,
		EndErr: hdr[0]&flagEndErr != 0,
		Type:   BodyType(hdr[0] & flagType),
		Req:    int32(binary.BigEndian.Uint32(hdr[5:9])),
	}
	if p.Type > JSONBody {
		return nil, fmt.Errorf("%w: bad body type %d", ErrProtocol, p.Type)
	}
	p.Body = make([]byte, length)
	if _, err := io.ReadFull(ps.rr, p.Body); err != nil {
		return nil, err
	}
	return p, nil
}

// Send writes one packet. Safe for concurrent use.
func (ps *PacketStream) Send(p *Packet) error {
	var hdr [packetHeaderLen]byte
	hdr[0] = byte(p.Type) & flagType
	if p.Stream {
		hdr[0] |= flagStream
	}
	if p.EndErr {
		hdr[0] |= flagEndErr
	}
	binary.BigEndian.PutUint32(hdr[1:5], uint32(len(p.Body)))
	binary.BigEndian.PutUint32(hdr[5:9], uint32(p.Req))
	ps.wmu.Lock()
	defer ps.wmu.Unlock()
	if _, err := ps.conn.Write(hdr[:]); err != nil {
		return err
	}
	if len(p.Body) == 0 {
		return nil
	}
	_, err := ps.conn.Write(p.Body)
	return err
}

// NextRequest allocates the next client-side request id and registers
// its response handler.
func (ps *PacketStream) NextRequest() *ResponseHandler {
	ps.hmu.Lock()
	defer ps.hmu.Unlock()
	req := ps.reqCtr
	ps.reqCtr++
	h := &ResponseHandler{Req: req, C: make(chan *Packet, 256)}
	ps.handlers[req] = h
	return h
}

// Cancel drops a pending handler; a late reply is then discarded.
func (ps *PacketStream) Cancel(req int32) {
	ps.hmu.Lock()
	h, ok := ps.handlers[req]
	if ok {
		delete(ps.handlers, req)
	}
	ps.hmu.Unlock()
	if ok {
		h.shut()
	}
}

// ReadLoop pumps incoming packets: replies are routed to their
// handlers, requests are handed to onRequest. It returns when the
// connection dies or terminates cleanly, after resolving every
// outstanding handler.
func (ps *PacketStream) ReadLoop(onRequest func(*Packet)) error {
	var err error
	for {
		var p *Packet
		if p, err = ps.readPacket(); err != nil {
			break
		}
		if p.Req < 0 {
			ps.routeReply(p)
			continue
		}
		onRequest(p)
	}
	ps.hmu.Lock()
	stale := make([]*ResponseHandler, 0, len(ps.handlers))
	for req, h := range ps.handlers {
		delete(ps.handlers, req)
		stale = append(stale, h)
	}
	ps.hmu.Unlock()
	for _, h := range stale {
		h.shut()
	}
	if err == io.EOF {
		return nil
	}
	return err
}

func (ps *PacketStream) routeReply(p *Packet) {
	ps.hmu.Lock()
	h, ok := ps.handlers[-p.Req]
	if ok && p.EndErr {
		delete(ps.handlers, -p.Req)
	}
	ps.hmu.Unlock()
	if !ok {
		ps.lg.Debugf("dropping reply for unknown request %d", -p.Req)
		return
	}
	h.deliver(p)
	if p.EndErr {
		h.shut()
	}
}
