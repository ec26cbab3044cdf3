// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Test fixtures shared by tests of this package.

package hemi

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// freePort returns a port which was free a moment ago.
func freePort(t *testing.T) int {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())
	return port
}

// testContext returns a context that is canceled when the test finishes,
// standing in for testing.T.Context which needs Go 1.24.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func listenOf(port int) string { return "127.0.0.1:" + strconv.Itoa(port) }

// writeFile creates file under dir with text, creating parent directories as needed.
func writeFile(t *testing.T, dir string, file string, text string) string {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(file))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(text), 0644))
	return path
}

// newTestStage compiles configText without starting it.
func newTestStage(t *testing.T, baseDir string, configText string) *Stage {
	t.Helper()
	stage, err := StageFromText(baseDir, configText)
	require.NoError(t, err)
	return stage
}

// startStage compiles and starts a stage. It's shut down when the test ends.
func startStage(t *testing.T, baseDir string, configText string) *Stage {
	t.Helper()
	stage := newTestStage(t, baseDir, configText)
	require.NoError(t, stage.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		stage.Shutdown(ctx)
	})
	return stage
}

// testClient speaks raw HTTP/1.x to a gate.
type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dialStage(t *testing.T, stage *Stage, listen string) *testClient {
	t.Helper()
	addr := stage.Addr(listen)
	require.NotNil(t, addr, "not listening on %s", listen)
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) send(raw string) {
	c.t.Helper()
	c.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	_, err := io.WriteString(c.conn, raw)
	require.NoError(c.t, err)
}

// recv reads one response. method tells whether the response has a body.
func (c *testClient) recv(method string) (*http.Response, string) {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	resp, err := http.ReadResponse(c.reader, &http.Request{Method: method})
	require.NoError(c.t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	resp.Body.Close()
	return resp, string(body)
}

// do sends a GET-like request for target to host and reads its response.
func (c *testClient) do(method string, target string, host string) (*http.Response, string) {
	c.t.Helper()
	c.send(method + " " + target + " HTTP/1.1\r\nHost: " + host + "\r\n\r\n")
	return c.recv(method)
}

// closed reports whether the server closed the connection within timeout.
func (c *testClient) closed(timeout time.Duration) bool {
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	buffer := make([]byte, 1024)
	for { // drain anything sent before closing
		if _, err := c.reader.Read(buffer); err != nil {
			var netErr net.Error
			return !(errors.As(err, &netErr) && netErr.Timeout())
		}
	}
}

// testRequest parses raw into a request for handler level tests.
func testRequest(t *testing.T, raw string) *Request {
	t.Helper()
	p := newRequestParser(DefaultSizeLimits, nil)
	p.feed([]byte(raw))
	req, err := p.next()
	require.NoError(t, err)
	require.NotNil(t, req)
	return req
}
