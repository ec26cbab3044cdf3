// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP/1.x connection tests over in-memory pipes.

package hemi

import (
	"context"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const connTestConfig = `
logger: {format: noop}
fileCache: {enabled: false}
servers:
  - listen: ["127.0.0.1:0"]
    root: www
    clientMaxBodySize: "64"
    locations:
      - path: /
        methods: [GET, POST]
      - path: /small
        methods: [POST]
        clientMaxBodySize: "8"
      - path: /large
        methods: [POST]
        clientMaxBodySize: 1KiB
`

// newPipeConn returns a server connection on one end of a pipe and the client end.
func newPipeConn(t *testing.T) (*server1Conn, net.Conn) {
	t.Helper()
	stage := newTestStage(t, t.TempDir(), connTestConfig)
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return newServer1Conn(1, stage.gates[0], server), client
}

// writeAll writes data to conn in background and reports when all of it was read by the other end.
func writeAll(conn net.Conn, data string) <-chan error {
	done := make(chan error, 1)
	go func() {
		_, err := conn.Write([]byte(data))
		done <- err
	}()
	return done
}

func TestWatchPeerBoundsReadAhead(t *testing.T) {
	c, client := newPipeConn(t)
	limits := c.gate.stage.limits
	bound := limits.MaxRequestLineBytes + limits.MaxHeaderBlockBytes

	require.Equal(t, len(c.buffer), c.readAheadSize())
	c.parser.feed(make([]byte, bound-100))
	require.Equal(t, 100, c.readAheadSize())

	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	wrote := writeAll(client, strings.Repeat("a", 100))
	stop := c.watchPeer(cancel)
	require.NoError(t, <-wrote)
	stop()
	require.Equal(t, bound, c.parser.buffered())
	require.Equal(t, 1, c.readAheadSize()) // enough to notice a disconnect

	// A client pipelining faster than requests are served can't grow the buffer.
	for i := 0; i < 50; i++ {
		wrote = writeAll(client, "b")
		stop = c.watchPeer(cancel)
		require.NoError(t, <-wrote)
		stop()
		require.LessOrEqual(t, c.parser.buffered(), bound+50)
	}
	require.Equal(t, bound+50, c.parser.buffered()) // one byte per served request, never a whole read
	require.NoError(t, ctx.Err())
	require.True(t, c.persistent)
}

func TestWatchPeerHalfClose(t *testing.T) {
	c, client := newPipeConn(t)
	ctx, cancel := context.WithCancel(testContext(t))
	defer cancel()
	c.parser.feed([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	req, status := c.recvRequest()
	require.NotNil(t, req)
	require.Zero(t, status)

	stop := c.watchPeer(cancel)
	require.NoError(t, client.Close()) // the reader sees EOF
	stop()
	require.NoError(t, ctx.Err()) // the request goes on
	require.True(t, c.readClosed)
	require.True(t, c.persistent)

	req, status = c.recvRequest() // nothing is buffered, and nothing more will come
	require.Nil(t, req)
	require.Zero(t, status)
}

func TestWatchPeerServesBufferedAfterHalfClose(t *testing.T) {
	c, _ := newPipeConn(t)
	c.readClosed = true
	c.parser.feed([]byte("GET /a HTTP/1.1\r\nHost: x\r\n\r\nGET /b HTTP/1.1\r\nHost: x\r\n\r\nGET /c"))
	stop := c.watchPeer(func() { t.Fatal("canceled") })
	stop()
	for _, path := range []string{"/a", "/b"} {
		req, _ := c.recvRequest()
		require.NotNil(t, req)
		require.Equal(t, path, req.Path())
	}
	req, status := c.recvRequest() // the truncated one is dropped
	require.Nil(t, req)
	require.Zero(t, status)
}

func TestContentLimitPerLocation(t *testing.T) {
	tests := []struct {
		target string
		size   int
		status int16
	}{
		{"/small", 8, 0},
		{"/small", 9, StatusContentTooLarge},
		{"/small/more", 9, StatusContentTooLarge},
		{"/large", 1024, 0},
		{"/large", 1025, StatusContentTooLarge},
		{"/other", 64, 0}, // the server limit
		{"/other", 65, StatusContentTooLarge},
	}
	for _, test := range tests {
		c, _ := newPipeConn(t)
		body := strings.Repeat("x", test.size)
		c.parser.feed([]byte("POST " + test.target + " HTTP/1.1\r\nHost: x\r\nContent-Length: " + strconv.Itoa(test.size) + "\r\n\r\n" + body))
		req, err := c.parser.next()
		if test.status == 0 {
			require.NoError(t, err, "%s %d", test.target, test.size)
			require.NotNil(t, req)
			require.Equal(t, body, string(req.Content()))
		} else {
			require.Error(t, err, "%s %d", test.target, test.size)
			require.Equal(t, test.status, statusOf(err))
		}
	}
}
