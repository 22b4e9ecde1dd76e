/*************************************************************************
 * Copyright 2018 ssbdrv contributors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package muxrpc

import (
	"strings"

	"github.com/goccy/go-json"

	"github.com/ssbc/ssbdrv/log"
)

// CallType selects the call semantics of a request.
const (
	CallSync   = `sync`
	CallAsync  = `async`
	CallSource = `source`
	CallSink   = `sink`
	CallDuplex = `duplex`
)

// Request is a decoded incoming RPC request.
type Request struct {
	Req    int32
	Stream bool
	Name   []string        `json:"name"`
	Args   json.RawMessage `json:"args"`
	Type   string          `json:"type"`
}

// Method is the dotted dispatch key of the request.
func (r *Request) Method() string {
	return strings.Join(r.Name, ".")
}

// Arg decodes the first argument into out.
func (r *Request) Arg(out interface{}) error {
	var args []json.RawMessage
	if err := json.Unmarshal(r.Args, &args); err != nil {
		return err
	}
	if len(args) == 0 {
		return ErrProtocol
	}
	return json.Unmarshal(args[0], out)
}

// ErrorBody is the JSON error object closing a failed stream.
type ErrorBody struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// IsError reports whether a reply packet carries an error object, and
// returns it.
func IsError(p *Packet) (ErrorBody, bool) {
	if p.Type != JSONBody {
		return ErrorBody{}, false
	}
	var eb ErrorBody
	if err := json.Unmarshal(p.Body, &eb); err != nil {
		return ErrorBody{}, false
	}
	if eb.Name != `Error` {
		return ErrorBody{}, false
	}
	return eb, true
}

// Handler serves one incoming request. Stream replies are sent with
// the request id negated; the handler owns the end/err frame unless it
// keeps the stream live.
type Handler func(ps *PacketStream, req *Request)

// API is the dispatch table above the packet stream.
type API struct {
	handlers map[string]Handler
	lg       *log.Logger
}

func NewAPI(lg *log.Logger) *API {
	if lg == nil {
		lg = log.NewDiscardLogger()
	}
	return &API{
		handlers: make(map[string]Handler),
		lg:       lg,
	}
}

// Define registers a handler under its dotted method name.
func (a *API) Define(name string, h Handler) {
	a.handlers[name] = h
}

// Dispatch decodes an incoming request packet and runs its handler.
// Unknown methods get a single JSON error frame with end/err set.
func (a *API) Dispatch(ps *PacketStream, p *Packet) {
	var req Request
	if err := json.Unmarshal(p.Body, &req); err != nil || len(req.Name) == 0 {
		a.lg.Warnf("unparseable request %d", p.Req)
		SendJSON(ps, -p.Req, false, true, ErrorBody{Name: `Error`, Message: `bad request`})
		return
	}
	req.Req = p.Req
	req.Stream = p.Stream
	nm := req.Method()
	h, ok := a.handlers[nm]
	if !ok {
		a.lg.Infof("no such method %s", nm)
		SendJSON(ps, -p.Req, false, true, ErrorBody{Name: `Error`, Message: `no such method ` + nm, Stack: ``})
		return
	}
	h(ps, &req)
}

// callBody is the outgoing request body.
type callBody struct {
	Name []string      `json:"name"`
	Args []interface{} `json:"args"`
	Type string        `json:"type"`
}

// Call issues a request and returns the handler its replies arrive on.
func Call(ps *PacketStream, name string, args []interface{}, callType string) (*ResponseHandler, error) {
	body, err := json.Marshal(callBody{
		Name: strings.Split(name, "."),
		Args: args,
		Type: callType,
	})
	if err != nil {
		return nil, err
	}
	stream := callType == CallSource || callType == CallSink || callType == CallDuplex
	h := ps.NextRequest()
	if err = ps.Send(&Packet{Stream: stream, Type: JSONBody, Req: h.Req, Body: body}); err != nil {
		ps.Cancel(h.Req)
		return nil, err
	}
	return h, nil
}

// SendJSON marshals v and sends it on the given request id.
func SendJSON(ps *PacketStream, req int32, stream, endErr bool, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ps.Send(&Packet{Stream: stream, EndErr: endErr, Type: JSONBody, Req: req, Body: body})
}

// SendRaw sends pre-encoded JSON on the given request id.
func SendRaw(ps *PacketStream, req int32, stream, endErr bool, body []byte) error {
	return ps.Send(&Packet{Stream: stream, EndErr: endErr, Type: JSONBody, Req: req, Body: body})
}

// SendBuffer sends binary data on the given request id.
func SendBuffer(ps *PacketStream, req int32, stream, endErr bool, body []byte) error {
	return ps.Send(&Packet{Stream: stream, EndErr: endErr, Type: BufferBody, Req: req, Body: body})
}
