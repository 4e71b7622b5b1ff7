// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package admin

import (
	"bytes"
	"net"
	"net/rpc"
)

// Request is one admin call as sent by carctl: the caller's effective
// UID (read locally by the CLI, since there is no network boundary to
// spoof it across on a unix-domain socket whose peer credentials the
// daemon could otherwise check) and the §4.6 argument list.
type Request struct {
	UID  int32
	Args []string
}

// Response carries the fd output Dispatch would have written plus any
// error's message, since net/rpc cannot transport arbitrary error types
// across the wire.
type Response struct {
	Output string
	Err    string
}

// Service adapts a Dispatcher to net/rpc, the standard library's own
// gob-based call mechanism — used here instead of a hand-rolled wire
// format or a new protobuf service, matching the "no custom RPC
// marshalling" boundary: net/rpc supplies the marshalling, not this
// package.
type Service struct {
	d *Dispatcher
}

func NewService(d *Dispatcher) *Service {
	return &Service{d: d}
}

// Dispatch is the single net/rpc method exposed; Register it on a
// *rpc.Server under the default name "Service".
func (s *Service) Dispatch(req Request, resp *Response) error {
	var buf bytes.Buffer
	err := s.d.Dispatch(&buf, req.UID, req.Args)
	resp.Output = buf.String()
	if err != nil {
		resp.Err = err.Error()
	}
	return nil
}

// Serve registers svc and accepts connections on l until it is closed.
// Intended to run in its own goroutine against a unix-domain socket
// listener.
func Serve(l net.Listener, svc *Service) error {
	server := rpc.NewServer()
	if err := server.RegisterName("Service", svc); err != nil {
		return err
	}
	for {
		conn, err := l.Accept()
		if err != nil {
			return err
		}
		go server.ServeConn(conn)
	}
}

// DialAndDispatch is carctl's half: dial the daemon's admin socket, issue
// one call, and return its output and error string.
func DialAndDispatch(network, address string, req Request) (Response, error) {
	client, err := rpc.Dial(network, address)
	if err != nil {
		return Response{}, err
	}
	defer client.Close()

	var resp Response
	if err := client.Call("Service.Dispatch", req, &resp); err != nil {
		return Response{}, err
	}
	return resp, nil
}
