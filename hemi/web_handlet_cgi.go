// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// CGI gateway runs scripts as child processes. See RFC 3875.

package hemi

import (
	"bytes"
	"context"
	"errors"
	"io"
	"io/fs"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hexinfra/webrox/hemi/common/system"
	"github.com/rs/zerolog"
)

const (
	cgiTimeout           = 5 * time.Second // from spawn to the end of output
	cgiReadSize          = 16 << 10
	cgiStderrLimit       = 4 << 10
	defaultCGIOutputSize = 16 << 20
)

type cgiState uint8

const ( // cgi states
	cgiSpawned cgiState = iota
	cgiReadingHeaders
	cgiStreamingBody
	cgiDone
	cgiTimeoutKilled
)

var cgiStateNames = [...]string{
	cgiSpawned:        "SPAWNED",
	cgiReadingHeaders: "READING_CGI_HEADERS",
	cgiStreamingBody:  "STREAMING_BODY",
	cgiDone:           "DONE",
	cgiTimeoutKilled:  "TIMEOUT_KILLED",
}

func (s cgiState) String() string { return cgiStateNames[s] }

var errCGIOutputTooLarge = errors.New("cgi output too large")

// cgiGateway
type cgiGateway struct {
	// Assocs
	logger  zerolog.Logger
	metrics *stageMetrics // may be nil
	// States
	timeout       time.Duration
	maxOutputSize int64
	maxHeaderSize int
}

func newCGIGateway(maxOutputSize int64, logger zerolog.Logger, metrics *stageMetrics) *cgiGateway {
	g := new(cgiGateway)
	g.logger = logger
	g.metrics = metrics
	g.timeout = cgiTimeout
	if maxOutputSize <= 0 {
		maxOutputSize = defaultCGIOutputSize
	}
	g.maxOutputSize = maxOutputSize
	g.maxHeaderSize = maxHeaderBlockBytes
	return g
}

// cgiExchan is one execution of a script.
type cgiExchan struct {
	gateway *cgiGateway
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	stderr  *limitedBuffer
	state   cgiState
	// collected by reader
	output     []byte
	readErr    error
	headerSize int // > 0 once a complete header block is seen
}

func (g *cgiGateway) serve(ctx context.Context, webapp *Webapp, d decision, req *Request, resp *Response) {
	info, err := os.Stat(d.fsPath)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			resp.SendNotFound()
		case errors.Is(err, fs.ErrPermission):
			resp.SendForbidden()
		default:
			resp.SendNotFound()
		}
		return
	}
	if !info.Mode().IsRegular() {
		resp.SendForbidden()
		return
	}

	cmd := exec.Command(d.interpreter, d.fsPath)
	cmd.Dir = filepath.Dir(d.fsPath)
	cmd.Env = g.makeEnv(webapp, d, req)
	cmd.SysProcAttr = system.ChildSysAttr()
	x := &cgiExchan{gateway: g, cmd: cmd, stderr: &limitedBuffer{limit: cgiStderrLimit}}
	cmd.Stderr = x.stderr
	stdin, err := cmd.StdinPipe()
	if err == nil {
		x.stdout, err = cmd.StdoutPipe()
	}
	if err == nil {
		err = cmd.Start()
	}
	if err != nil {
		g.logger.Error().Err(err).Str("script", d.fsPath).Str("interpreter", d.interpreter).Msg("cgi spawn failed")
		g.observe("spawn_failed")
		resp.SendBadGateway()
		return
	}
	pid := cmd.Process.Pid
	timer := time.NewTimer(g.timeout) // the deadline starts at spawn
	defer timer.Stop()
	g.logger.Debug().Int("pid", pid).Str("script", d.fsPath).Stringer("state", x.state).Msg("cgi spawned")

	var writers sync.WaitGroup
	writers.Add(1)
	go func() { // stdin writer
		defer writers.Done()
		if len(req.content) > 0 {
			stdin.Write(req.content) // errors here mean the script stopped reading
		}
		stdin.Close()
	}()
	readDone := make(chan struct{}, 1)
	go func() { // stdout reader
		x.readOutput()
		readDone <- struct{}{}
	}()

	outcome := "ok"
	select {
	case <-readDone:
		waitDone := make(chan error, 1)
		go func() { waitDone <- cmd.Wait() }()
		select {
		case err := <-waitDone:
			if err != nil {
				g.logger.Warn().Err(err).Int("pid", pid).Str("script", d.fsPath).Msg("cgi exited abnormally")
			}
		case <-timer.C: // output is closed but the process lingers
			x.kill()
			<-waitDone
		case <-ctx.Done():
			x.kill()
			<-waitDone
			outcome = "canceled"
		}
	case <-timer.C:
		x.kill()
		<-readDone
		x.state = cgiTimeoutKilled
		cmd.Wait()
		outcome = "timeout"
	case <-ctx.Done():
		x.kill()
		<-readDone
		cmd.Wait()
		outcome = "canceled"
	}
	writers.Wait()
	if stderr := x.stderr.String(); stderr != "" {
		g.logger.Warn().Int("pid", pid).Str("script", d.fsPath).Str("stderr", stderr).Msg("cgi stderr")
	}

	switch outcome {
	case "timeout":
		g.logger.Warn().Int("pid", pid).Str("script", d.fsPath).Dur("timeout", g.timeout).Stringer("state", x.state).Msg("cgi timed out, killed")
		g.observe(outcome)
		resp.SendGatewayTimeout()
		return
	case "canceled":
		g.logger.Debug().Int("pid", pid).Str("script", d.fsPath).Msg("client gone, cgi killed")
		g.observe(outcome)
		resp.setConnectionClose()
		resp.SendBadGateway()
		return
	}
	if x.readErr != nil {
		g.logger.Warn().Err(x.readErr).Int("pid", pid).Str("script", d.fsPath).Msg("cgi output rejected")
		g.observe("bad_gateway")
		resp.SendBadGateway()
		return
	}
	if err := applyCGIOutput(x.output, g.maxHeaderSize, resp); err != nil {
		g.logger.Warn().Err(err).Int("pid", pid).Str("script", d.fsPath).Msg("invalid cgi response")
		g.observe("bad_gateway")
		resp.SendBadGateway()
		return
	}
	x.state = cgiDone
	g.observe(outcome)
}

func (g *cgiGateway) observe(outcome string) {
	if g.metrics != nil {
		g.metrics.observeCGI(outcome)
	}
}

// readOutput reads the whole stdout of the script, tracking the header block boundary on the way.
func (x *cgiExchan) readOutput() {
	x.state = cgiReadingHeaders
	buffer := make([]byte, cgiReadSize)
	for {
		n, err := x.stdout.Read(buffer)
		if n > 0 {
			if int64(len(x.output)+n) > x.gateway.maxOutputSize {
				x.readErr = errCGIOutputTooLarge
				x.kill()
				return
			}
			x.output = append(x.output, buffer[:n]...)
			if x.state == cgiReadingHeaders {
				if end, _ := findCGIHeaderEnd(x.output); end > 0 {
					x.headerSize = end
					x.state = cgiStreamingBody
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				x.readErr = err
			}
			return
		}
	}
}

// kill kills the whole process group and closes stdout so a blocked reader returns.
func (x *cgiExchan) kill() {
	if x.cmd.Process != nil {
		if err := system.KillGroup(x.cmd.Process.Pid); err != nil {
			x.cmd.Process.Kill()
		}
	}
	x.stdout.Close()
}

func (g *cgiGateway) makeEnv(webapp *Webapp, d decision, req *Request) []string {
	env := make([]string, 0, 24+len(req.headerOrder))
	add := func(name string, value string) { env = append(env, name+"="+value) }
	if path, ok := os.LookupEnv("PATH"); ok {
		add("PATH", path)
	}
	add("GATEWAY_INTERFACE", "CGI/1.1")
	add("SERVER_SOFTWARE", "webrox/"+Version)
	serverName := req.hostname
	if serverName == "" {
		serverName = webapp.name
	}
	add("SERVER_NAME", serverName)
	add("SERVER_PORT", portOf(req.localAddr))
	add("SERVER_PROTOCOL", req.Version())
	add("REQUEST_METHOD", req.method)
	add("REQUEST_URI", req.target)
	add("SCRIPT_NAME", d.scriptName)
	add("SCRIPT_FILENAME", d.fsPath)
	add("PATH_INFO", d.pathInfo)
	add("QUERY_STRING", req.query)
	if req.HasContent() {
		add("CONTENT_LENGTH", strconv.Itoa(len(req.content)))
	}
	if contentType := req.ContentType(); contentType != "" {
		add("CONTENT_TYPE", contentType)
	}
	if req.remoteAddr != nil {
		host, port, err := net.SplitHostPort(req.remoteAddr.String())
		if err == nil {
			add("REMOTE_ADDR", host)
			add("REMOTE_PORT", port)
		}
	}
	add("REDIRECT_STATUS", "200")
	for _, name := range req.headerOrder {
		if name == "content-type" || name == "content-length" || name == "proxy" { // "proxy" is the httpoxy vector
			continue
		}
		add("HTTP_"+strings.ToUpper(strings.ReplaceAll(name, "-", "_")), req.headers[name])
	}
	return env
}

func portOf(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	_, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return port
}

// findCGIHeaderEnd returns the size of the header block including its blank line, and the
// size of the blank line terminator, or 0 if the block is not complete yet.
func findCGIHeaderEnd(output []byte) (end int, sepSize int) {
	for i := 0; i < len(output); i++ {
		if output[i] != '\n' {
			continue
		}
		if i+1 < len(output) && output[i+1] == '\n' {
			return i + 2, 1
		}
		if i+2 < len(output) && output[i+1] == '\r' && output[i+2] == '\n' {
			return i + 3, 2
		}
	}
	return 0, 0
}

var cgiHopByHop = map[string]bool{
	"connection":        true,
	"content-length":    true,
	"keep-alive":        true,
	"proxy-connection":  true,
	"te":                true,
	"trailer":           true,
	"transfer-encoding": true,
	"upgrade":           true,
}

// applyCGIOutput parses the script output and fills resp with it.
func applyCGIOutput(output []byte, maxHeaderSize int, resp *Response) error {
	end, _ := findCGIHeaderEnd(output)
	if end == 0 {
		if len(output) == 0 {
			return errors.New("empty output")
		}
		return errors.New("header block not terminated")
	}
	if end > maxHeaderSize {
		return errors.New("header block too large")
	}
	head, body := output[:end], output[end:]
	var (
		status      int16
		hasLocation bool
		nFields     int
	)
	for _, line := range bytes.Split(head, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		if len(line) == 0 {
			continue
		}
		colon := bytes.IndexByte(line, ':')
		if colon <= 0 {
			return errors.New("malformed header line")
		}
		name := string(line[:colon])
		if !isToken(name) {
			return errors.New("malformed header name")
		}
		value := strings.TrimSpace(string(line[colon+1:]))
		nFields++
		switch lower := lowerASCII(name); {
		case lower == "status":
			if len(value) < 3 {
				return errors.New("malformed status")
			}
			code, err := strconv.Atoi(value[:3])
			if err != nil || code < 200 || code > 599 || (len(value) > 3 && value[3] != ' ') {
				return errors.New("malformed status")
			}
			status = int16(code)
		case lower == "location":
			hasLocation = true
			resp.SetHeader("Location", value)
		case cgiHopByHop[lower]:
		default:
			resp.AddHeader(name, value)
		}
	}
	if nFields == 0 {
		return errors.New("no header fields")
	}
	if status == 0 {
		if hasLocation {
			status = StatusFound
		} else {
			status = StatusOK
		}
	}
	resp.SetStatus(status)
	resp.SendBytes(body)
	return nil
}

// limitedBuffer keeps the first limit bytes written to it and discards the rest.
type limitedBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return strings.TrimSpace(b.buf.String())
}
