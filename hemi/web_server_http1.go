// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1.x server connections. Requests on a connection are served one by one, in order.

package hemi

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

const (
	server1ReadSize = 4096
	lingerTimeout   = time.Second
	lingerMaxBytes  = 256 << 10
)

var aLongTimeAgo = time.Unix(1, 0)

// server1Conn is the server-side HTTP/1.x connection.
type server1Conn struct {
	// Assocs
	gate    *httpxGate
	netConn net.Conn
	parser  *requestParser
	logger  zerolog.Logger
	// States
	id         int64
	persistent bool        // keep the connection after current request?
	closeSafe  bool        // if false, send a FIN first to avoid TCP's RST following immediate close(). true by default
	idle       atomic.Bool // waiting for the next request?
	continued  bool        // "100 continue" was sent for current request
	readClosed bool        // the client has half-closed. buffered requests are still served
	begin      time.Time   // when the first byte of current request was received
	buffer     []byte
}

func newServer1Conn(id int64, gate *httpxGate, netConn net.Conn) *server1Conn {
	c := new(server1Conn)
	c.id = id
	c.gate = gate
	c.netConn = netConn
	c.parser = newRequestParser(gate.stage.limits, c.contentLimit)
	c.logger = gate.logger
	c.persistent = true
	c.closeSafe = true
	c.buffer = make([]byte, server1ReadSize)
	return c
}

// contentLimit returns the max content size for req: that of its location if set, or that of its webapp.
func (c *server1Conn) contentLimit(req *Request) int64 {
	webapp := c.gate.findWebapp(req.hostname)
	if rule := webapp.findRule(req.path); rule != nil && rule.maxContentSize > 0 {
		return rule.maxContentSize
	}
	return webapp.maxContentSize
}

func (c *server1Conn) manager() { // runner
	defer c.gate.delConn(c)
	if DebugLevel() >= 2 {
		c.logger.Debug().Int64("conn", c.id).Str("remote", c.netConn.RemoteAddr().String()).Msg("conn opened")
	}
	for c.persistent { // each request
		req, status := c.recvRequest()
		if req == nil {
			if status != 0 {
				c.serveAbnormal(status)
			}
			break
		}
		c.serveRequest(req)
	}

	// RFC 9112 (section 9.6):
	// To avoid the TCP reset problem, servers typically close a connection
	// in stages. First, the server performs a half-close by closing only
	// the write side of the read/write connection. The server then
	// continues to read from the connection until it receives a
	// corresponding close by the client, or until the server is reasonably
	// certain that its own TCP stack has received the client's
	// acknowledgement of the packet(s) containing the server's last
	// response. Finally, the server fully closes the connection.
	if !c.closeSafe {
		if tcpConn, ok := c.netConn.(*net.TCPConn); ok {
			tcpConn.CloseWrite()
		}
		c.netConn.SetReadDeadline(time.Now().Add(lingerTimeout))
		io.Copy(io.Discard, io.LimitReader(c.netConn, lingerMaxBytes))
	}
	c.netConn.Close()
	if DebugLevel() >= 2 {
		c.logger.Debug().Int64("conn", c.id).Msg("conn closed")
	}
}

// recvRequest receives the next request. If it returns nil, status is the error status to send, or 0 to close silently.
func (c *server1Conn) recvRequest() (req *Request, status int16) {
	stage := c.gate.stage
	c.continued = false
	c.begin = time.Time{}
	if c.parser.inProgress() { // pipelined
		c.begin = time.Now()
	}
	for {
		req, err := c.parser.next()
		if err != nil {
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				return nil, StatusBadRequest
			}
			c.logger.Debug().Int64("conn", c.id).Int16("status", parseErr.Status).Str("reason", parseErr.Reason).Msg("bad request")
			return nil, parseErr.Status
		}
		if req != nil {
			return req, 0
		}
		if pending := c.parser.receivingContent(); pending != nil && !c.continued {
			if expect, ok := pending.headers["expect"]; ok && pending.versionCode == Version1_1 && strings.EqualFold(expect, "100-continue") {
				c.continued = true
				if !c.writeContinue() {
					return nil, 0
				}
			}
		}

		if c.readClosed { // nothing more will come
			return nil, 0
		}
		inProgress := c.parser.inProgress()
		if inProgress {
			c.netConn.SetReadDeadline(c.begin.Add(stage.readTimeout))
		} else { // waiting for a new request
			c.idle.Store(true)
			c.netConn.SetReadDeadline(time.Now().Add(stage.idleTimeout))
			if c.gate.IsShut() {
				c.idle.Store(false)
				return nil, 0
			}
		}
		n, err := c.netConn.Read(c.buffer)
		c.idle.Store(false)
		if n > 0 {
			if !inProgress {
				c.begin = time.Now()
			}
			c.parser.feed(c.buffer[:n])
			continue
		}
		if err != nil {
			if inProgress && errors.Is(err, os.ErrDeadlineExceeded) {
				return nil, StatusRequestTimeout
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) {
				c.logger.Debug().Err(err).Int64("conn", c.id).Msg("read error")
			}
			return nil, 0
		}
	}
}

func (c *server1Conn) writeContinue() bool { // 100 continue
	c.netConn.SetWriteDeadline(time.Now().Add(c.gate.stage.writeTimeout))
	if _, err := io.WriteString(c.netConn, "HTTP/1.1 100 Continue\r\n\r\n"); err != nil {
		c.persistent = false // i/o error, close anyway
		return false
	}
	return true
}

func (c *server1Conn) serveRequest(req *Request) {
	stage := c.gate.stage
	req.remoteAddr = c.netConn.RemoteAddr()
	req.localAddr = c.netConn.LocalAddr()
	webapp := c.gate.findWebapp(req.hostname)

	ctx, cancel := context.WithCancel(stage.ctx)
	stopWatch := c.watchPeer(cancel)
	resp := webapp.dispatch(ctx, req)
	stopWatch()
	cancel()

	keepAlive := c.persistent && req.keepAlive && !resp.closeAfter && !c.gate.IsShut()
	if !keepAlive {
		c.persistent = false
		if c.parser.buffered() > 0 { // the receiving side may have data when we close the connection
			c.closeSafe = false
		}
	}
	c.netConn.SetWriteDeadline(time.Now().Add(stage.writeTimeout))
	if _, err := resp.writeTo(c.netConn, req.versionCode, keepAlive); err != nil {
		c.persistent = false // i/o error, close anyway
		c.logger.Debug().Err(err).Int64("conn", c.id).Msg("write error")
	}
}

// watchPeer reads from the connection in background so that a client disconnect cancels the request.
// Bytes read this way are kept for the next request, but the buffered input never grows beyond
// the head limits plus one read. Once that is reached, a single byte is read to notice a disconnect.
// A half-close (EOF) is not a disconnect: the request goes on, and so do requests already buffered.
func (c *server1Conn) watchPeer(cancel context.CancelFunc) (stop func()) {
	if c.readClosed {
		return func() {}
	}
	done := make(chan struct{})
	var (
		got      []byte
		peerEOF  bool
		peerErr  error
		readSize = c.readAheadSize()
	)
	c.netConn.SetReadDeadline(time.Time{})
	go func() {
		defer close(done)
		n, err := c.netConn.Read(c.buffer[:readSize])
		got = c.buffer[:n]
		if n > 0 || err == nil || errors.Is(err, os.ErrDeadlineExceeded) {
			return
		}
		if errors.Is(err, io.EOF) {
			peerEOF = true
			return
		}
		peerErr = err
		cancel()
	}()
	return func() {
		c.netConn.SetReadDeadline(aLongTimeAgo) // wakes up the reader
		<-done
		if len(got) > 0 {
			c.parser.feed(got)
		}
		if peerEOF {
			c.readClosed = true
			c.logger.Debug().Int64("conn", c.id).Msg("peer half-closed")
		} else if peerErr != nil {
			c.persistent = false
			c.logger.Debug().Err(peerErr).Int64("conn", c.id).Msg("peer gone")
		}
	}
}

// readAheadSize returns how many bytes watchPeer may read without exceeding the buffered input bound.
func (c *server1Conn) readAheadSize() int {
	limits := c.gate.stage.limits
	room := limits.MaxRequestLineBytes + limits.MaxHeaderBlockBytes - c.parser.buffered()
	if room < 1 {
		return 1
	}
	return min(room, len(c.buffer))
}

// serveAbnormal sends an error response for a request which can't be parsed, and closes the connection.
func (c *server1Conn) serveAbnormal(status int16) {
	c.persistent = false // we are in abnormal state, so close anyway
	if status != StatusRequestTimeout {
		// The receiving side may has data when we close the connection
		c.closeSafe = false
	}
	if metrics := c.gate.stage.metrics; metrics != nil {
		metrics.observeParseError(status)
	}
	resp := newResponse(nil, c.gate.defaultWebapp().errorPages)
	resp.SendError(status)
	c.netConn.SetWriteDeadline(time.Now().Add(c.gate.stage.writeTimeout))
	if _, err := resp.writeTo(c.netConn, Version1_1, false); err != nil {
		c.logger.Debug().Err(err).Int64("conn", c.id).Msg("write error")
	}
}
