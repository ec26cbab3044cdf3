// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CGI gateway tests. Scripts are run by /bin/sh.

package hemi

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

const cgiTestConfig = `
logger: {format: noop}
fileCache: {enabled: false}
servers:
  - listen: ["127.0.0.1:0"]
    serverNames: [cgi.test]
    root: www
    locations:
      - path: /cgi-bin
        root: www/cgi-bin
        methods: [GET, POST]
        cgi: {".sh": /bin/sh, ".bad": /no/such/interpreter}
`

var cgiScripts = map[string]string{
	"env.sh": `printf 'Content-Type: text/plain\r\n\r\n'
echo "method=$REQUEST_METHOD"
echo "query=$QUERY_STRING"
echo "uri=$REQUEST_URI"
echo "script=$SCRIPT_NAME"
echo "info=$PATH_INFO"
echo "length=$CONTENT_LENGTH"
echo "type=$CONTENT_TYPE"
echo "agent=$HTTP_USER_AGENT"
echo "proxy=$HTTP_PROXY"
echo "gateway=$GATEWAY_INTERFACE"
echo "protocol=$SERVER_PROTOCOL"
echo "server=$SERVER_NAME"
cat
`,
	"status.sh":   `printf 'Status: 201 Created\nX-Custom: yes\nConnection: keep-alive\n\nmade'`,
	"location.sh": `printf 'Location: /elsewhere\n\n'`,
	"nohead.sh":   `echo hello`,
	"empty.sh":    `exit 0`,
	"stderr.sh":   `echo oops >&2; printf 'Content-Type: text/plain\n\nfine'`,
	"big.sh":      `printf 'Content-Type: text/plain\n\n'; head -c 5000 /dev/zero`,
	"lingering.sh": `printf 'Content-Type: text/plain\n\ndone'
exec 1>&-
sleep 30`,
	"slow.sh": `sleep 30 &
echo $! > "$PIDFILE_DIR/child.pid"
sleep 30`,
	"x.bad": `irrelevant`,
}

type cgiFixture struct {
	t       *testing.T
	baseDir string
	stage   *Stage
	webapp  *Webapp
}

func newCGIFixture(t *testing.T) *cgiFixture {
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh is required")
	}
	baseDir := t.TempDir()
	for name, text := range cgiScripts {
		writeFile(t, baseDir, "www/cgi-bin/"+name, text)
	}
	writeFile(t, baseDir, "www/cgi-bin/readme.txt", "not a script")
	stage := newTestStage(t, baseDir, cgiTestConfig)
	return &cgiFixture{t: t, baseDir: baseDir, stage: stage, webapp: stage.Webapps()[0]}
}

func (f *cgiFixture) do(raw string) (*Response, string) {
	f.t.Helper()
	resp := f.webapp.dispatch(testContext(f.t), testRequest(f.t, raw))
	return resp, responseBody(f.t, resp)
}

func (f *cgiFixture) outcome(label string) float64 {
	return testutil.ToFloat64(f.stage.metrics.cgiProcesses.WithLabelValues(label))
}

func TestCGIEnv(t *testing.T) {
	f := newCGIFixture(t)
	resp, body := f.do("GET /cgi-bin/env.sh/extra/info?a=1&b=2 HTTP/1.1\r\nHost: cgi.test\r\nUser-Agent: tester\r\nProxy: http://evil\r\n\r\n")
	require.Equal(t, int16(StatusOK), resp.Status())
	contentType, _ := resp.Header("content-type")
	require.Equal(t, "text/plain", contentType)
	for _, line := range []string{
		"method=GET",
		"query=a=1&b=2",
		"uri=/cgi-bin/env.sh/extra/info?a=1&b=2",
		"script=/cgi-bin/env.sh",
		"info=/extra/info",
		"length=\n",
		"agent=tester",
		"proxy=\n",
		"gateway=CGI/1.1",
		"protocol=HTTP/1.1",
		"server=cgi.test",
	} {
		require.Contains(t, body, line)
	}
	require.Equal(t, float64(1), f.outcome("ok"))
}

func TestCGIPost(t *testing.T) {
	f := newCGIFixture(t)
	resp, body := f.do("POST /cgi-bin/env.sh HTTP/1.1\r\nHost: cgi.test\r\nContent-Type: application/x-www-form-urlencoded\r\nContent-Length: 11\r\n\r\nname=webrox")
	require.Equal(t, int16(StatusOK), resp.Status())
	require.Contains(t, body, "method=POST")
	require.Contains(t, body, "length=11")
	require.Contains(t, body, "type=application/x-www-form-urlencoded")
	require.True(t, strings.HasSuffix(body, "name=webrox"))

	resp, body = f.do("POST /cgi-bin/env.sh HTTP/1.1\r\nHost: cgi.test\r\nTransfer-Encoding: chunked\r\n\r\n4\r\nab=c\r\n0\r\n\r\n")
	require.Equal(t, int16(StatusOK), resp.Status())
	require.Contains(t, body, "length=4")
	require.True(t, strings.HasSuffix(body, "ab=c"))
}

func TestCGIStatusAndLocation(t *testing.T) {
	f := newCGIFixture(t)
	resp, body := f.do("GET /cgi-bin/status.sh HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
	require.Equal(t, int16(StatusCreated), resp.Status())
	require.Equal(t, "made", body)
	custom, _ := resp.Header("x-custom")
	require.Equal(t, "yes", custom)
	_, ok := resp.Header("connection")
	require.False(t, ok)

	resp, body = f.do("GET /cgi-bin/location.sh HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
	require.Equal(t, int16(StatusFound), resp.Status())
	location, _ := resp.Header("location")
	require.Equal(t, "/elsewhere", location)
	require.Empty(t, body)
}

func TestCGIFailures(t *testing.T) {
	f := newCGIFixture(t)
	tests := []struct {
		target string
		status int16
	}{
		{"/cgi-bin/nohead.sh", StatusBadGateway},
		{"/cgi-bin/empty.sh", StatusBadGateway},
		{"/cgi-bin/x.bad", StatusBadGateway}, // interpreter can't be spawned
		{"/cgi-bin/missing.sh", StatusNotFound},
		{"/cgi-bin/missing.sh/info", StatusNotFound},
		{"/cgi-bin/readme.txt", StatusOK}, // not a script, served as a file
	}
	for _, test := range tests {
		resp, _ := f.do("GET " + test.target + " HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
		require.Equal(t, test.status, resp.Status(), test.target)
	}
	require.Equal(t, float64(1), f.outcome("spawn_failed"))
	require.Equal(t, float64(2), f.outcome("bad_gateway"))
}

func TestCGIStderr(t *testing.T) {
	f := newCGIFixture(t)
	resp, body := f.do("GET /cgi-bin/stderr.sh HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
	require.Equal(t, int16(StatusOK), resp.Status())
	require.Equal(t, "fine", body) // stderr never reaches the client
}

func TestCGIOutputTooLarge(t *testing.T) {
	f := newCGIFixture(t)
	f.stage.cgi.maxOutputSize = 1024
	resp, _ := f.do("GET /cgi-bin/big.sh HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
	require.Equal(t, int16(StatusBadGateway), resp.Status())
}

func TestCGILingeringProcess(t *testing.T) {
	f := newCGIFixture(t)
	f.stage.cgi.timeout = 500 * time.Millisecond
	begin := time.Now()
	resp, body := f.do("GET /cgi-bin/lingering.sh HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
	require.Less(t, time.Since(begin), 5*time.Second)
	require.Equal(t, int16(StatusOK), resp.Status()) // its output is complete
	require.Equal(t, "done", body)
}

func TestCGITimeout(t *testing.T) {
	f := newCGIFixture(t)
	f.stage.cgi.timeout = 300 * time.Millisecond
	pidDir := t.TempDir()
	writeFile(t, f.baseDir, "www/cgi-bin/slow.sh", strings.ReplaceAll(cgiScripts["slow.sh"], "$PIDFILE_DIR", pidDir))

	begin := time.Now()
	resp, _ := f.do("GET /cgi-bin/slow.sh HTTP/1.1\r\nHost: cgi.test\r\n\r\n")
	require.Equal(t, int16(StatusGatewayTimeout), resp.Status())
	require.Less(t, time.Since(begin), 5*time.Second)
	require.Equal(t, float64(1), f.outcome("timeout"))

	text, err := os.ReadFile(filepath.Join(pidDir, "child.pid"))
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(text)))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return processGone(pid) }, 3*time.Second, 20*time.Millisecond, "grandchild %d survived", pid)
}

// processGone reports whether pid has exited. Zombies count as gone since they can't run.
func processGone(pid int) bool {
	if runtime.GOOS != "linux" {
		return true
	}
	stat, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err != nil {
		return true
	}
	// pid (comm) state ...
	rparen := bytes.LastIndexByte(stat, ')')
	if rparen < 0 || rparen+2 >= len(stat) {
		return true
	}
	state := stat[rparen+2]
	return state == 'Z' || state == 'X'
}

func TestCGIMakeEnv(t *testing.T) {
	f := newCGIFixture(t)
	req := testRequest(t, "POST /cgi-bin/env.sh/p?q=1 HTTP/1.0\r\nHost: CGI.test:8080\r\nX-Forwarded-For: 1.2.3.4\r\nProxy: evil\r\nContent-Length: 2\r\nContent-Type: text/plain\r\n\r\nhi")
	req.remoteAddr = &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 5555}
	req.localAddr = &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 8080}
	d := f.webapp.decide(req)
	require.Equal(t, int8(decideCGI), d.kind)

	env := make(map[string]string)
	for _, item := range f.stage.cgi.makeEnv(f.webapp, d, req) {
		name, value, _ := strings.Cut(item, "=")
		env[name] = value
	}
	require.Equal(t, "cgi.test", env["SERVER_NAME"])
	require.Equal(t, "8080", env["SERVER_PORT"])
	require.Equal(t, "HTTP/1.0", env["SERVER_PROTOCOL"])
	require.Equal(t, "10.0.0.1", env["REMOTE_ADDR"])
	require.Equal(t, "5555", env["REMOTE_PORT"])
	require.Equal(t, "2", env["CONTENT_LENGTH"])
	require.Equal(t, "text/plain", env["CONTENT_TYPE"])
	require.Equal(t, "/p", env["PATH_INFO"])
	require.Equal(t, "q=1", env["QUERY_STRING"])
	require.Equal(t, d.fsPath, env["SCRIPT_FILENAME"])
	require.Equal(t, "CGI.test:8080", env["HTTP_HOST"])
	require.Equal(t, "1.2.3.4", env["HTTP_X_FORWARDED_FOR"])
	for _, name := range []string{"HTTP_PROXY", "HTTP_CONTENT_LENGTH", "HTTP_CONTENT_TYPE"} {
		_, ok := env[name]
		require.False(t, ok, name)
	}
}

func TestApplyCGIOutput(t *testing.T) {
	tests := []struct {
		name     string
		output   string
		ok       bool
		status   int16
		body     string
		headers  map[string]string
		excluded []string
	}{
		{"plain", "Content-Type: text/plain\n\nhi", true, StatusOK, "hi", map[string]string{"content-type": "text/plain"}, nil},
		{"crlf", "Content-Type: text/plain\r\n\r\nhi\r\n", true, StatusOK, "hi\r\n", nil, nil},
		{"status", "Status: 404 Not Found\nContent-Type: text/html\n\n<p>no</p>", true, StatusNotFound, "<p>no</p>", nil, nil},
		{"status only code", "Status: 503\n\n", true, 503, "", nil, nil},
		{"location", "Location: http://a/b\n\n", true, StatusFound, "", map[string]string{"location": "http://a/b"}, nil},
		{"location with status", "Status: 301\nLocation: /x\n\n", true, StatusMovedPermanently, "", map[string]string{"location": "/x"}, nil},
		{"hop by hop", "Content-Type: a/b\nTransfer-Encoding: chunked\nContent-Length: 99\nKeep-Alive: 1\n\nbody", true, StatusOK, "body", nil, []string{"transfer-encoding", "content-length", "keep-alive"}},
		{"empty", "", false, 0, "", nil, nil},
		{"unterminated", "Content-Type: text/plain\nhello", false, 0, "", nil, nil},
		{"no fields", "\n\nbody", false, 0, "", nil, nil},
		{"bad line", "Content-Type text/plain\n\n", false, 0, "", nil, nil},
		{"bad status", "Status: abc\n\n", false, 0, "", nil, nil},
		{"status out of range", "Status: 99\n\n", false, 0, "", nil, nil},
		{"status glued", "Status: 2000\n\n", false, 0, "", nil, nil},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			resp := newResponse(nil, nil)
			err := applyCGIOutput([]byte(test.output), maxHeaderBlockBytes, resp)
			if !test.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, test.status, resp.Status())
			require.Equal(t, test.body, string(resp.content))
			for name, value := range test.headers {
				got, ok := resp.Header(name)
				require.True(t, ok, name)
				require.Equal(t, value, got)
			}
			for _, name := range test.excluded {
				_, ok := resp.Header(name)
				require.False(t, ok, name)
			}
		})
	}

	huge := "X-Big: " + strings.Repeat("a", maxHeaderBlockBytes) + "\n\n"
	require.Error(t, applyCGIOutput([]byte(huge), maxHeaderBlockBytes, newResponse(nil, nil)))
}

func TestFindCGIHeaderEnd(t *testing.T) {
	tests := []struct {
		output  string
		end     int
		sepSize int
	}{
		{"A: b\n\n", 6, 1},
		{"A: b\r\n\r\nx", 8, 2},
		{"A: b\n\r\n", 7, 2},
		{"A: b\r\n", 0, 0},
		{"", 0, 0},
	}
	for _, test := range tests {
		end, sepSize := findCGIHeaderEnd([]byte(test.output))
		require.Equal(t, test.end, end, "%q", test.output)
		require.Equal(t, test.sepSize, sepSize, "%q", test.output)
	}
}

func TestLimitedBuffer(t *testing.T) {
	b := &limitedBuffer{limit: 4}
	n, err := b.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	n, err = b.Write([]byte("defg"))
	require.NoError(t, err)
	require.Equal(t, 4, n) // accepted but dropped
	require.Equal(t, "abcd", b.String())
}
