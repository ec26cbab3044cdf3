// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Incremental HTTP/1.x request parser. See RFC 9112.

// The parser never waits for a terminator to check a size limit: limits are checked against
// the raw bytes buffered so far, so a peer that never sends CRLF is rejected as soon as it
// crosses the limit.

package hemi

import (
	"bytes"
	"strings"
)

const defaultMaxContentSize = 1 << 20 // 1M, used if no content limit is given

const maxChunkSizeLine = 1024 // chunk-size [ chunk-ext ] CRLF

// ParseError is a terminal request parsing error. Status is the response status to send.
type ParseError struct {
	Status int16
	Reason string
}

func (e *ParseError) Error() string {
	if e.Reason == "" {
		return statusText(e.Status)
	}
	return statusText(e.Status) + ": " + e.Reason
}

type parseState uint8

const ( // parser states
	stateRequestLine parseState = iota // must be 0
	stateHeaders
	stateSizedContent
	stateChunkSize
	stateChunkData
	stateChunkDataEnd
	stateTrailers
	stateError
)

var parseStateNames = [...]string{
	stateRequestLine:  "READING_REQUEST_LINE",
	stateHeaders:      "READING_HEADERS",
	stateSizedContent: "READING_BODY",
	stateChunkSize:    "READING_BODY",
	stateChunkData:    "READING_BODY",
	stateChunkDataEnd: "READING_BODY",
	stateTrailers:     "READING_BODY",
	stateError:        "ERROR",
}

func (s parseState) String() string { return parseStateNames[s] }

// requestParser consumes raw bytes of one connection and produces requests one by one.
type requestParser struct {
	// States
	limits       SizeLimits
	contentLimit func(req *Request) int64 // returns max content size allowed for req. may be nil
	state        parseState
	input        []byte // unconsumed bytes
	scanFrom     int    // searching for '\n' in input resumes from here
	headBytes    int    // raw bytes of header block received so far
	trailerBytes int    // raw bytes of trailer section received so far
	request      *Request
	maxContent   int64 // for current request
	content      []byte
	chunkRemain  int64 // bytes left in current chunk
	err          *ParseError
}

func newRequestParser(limits SizeLimits, contentLimit func(req *Request) int64) *requestParser {
	p := new(requestParser)
	p.limits = limits
	p.contentLimit = contentLimit
	return p
}

// feed appends raw bytes received from the connection.
func (p *requestParser) feed(data []byte) { p.input = append(p.input, data...) }

// buffered returns the number of received but not yet consumed bytes.
func (p *requestParser) buffered() int { return len(p.input) }

// inProgress reports whether a request has been partially received.
func (p *requestParser) inProgress() bool {
	return p.state != stateRequestLine || len(p.input) > 0
}

// receivingContent returns the request whose content is being received, or nil.
func (p *requestParser) receivingContent() *Request {
	switch p.state {
	case stateSizedContent, stateChunkSize, stateChunkData, stateChunkDataEnd, stateTrailers:
		return p.request
	}
	return nil
}

// next advances the state machine over buffered bytes. It returns a complete request, or
// a *ParseError, or (nil, nil) if more bytes are needed.
func (p *requestParser) next() (*Request, error) {
	if p.state == stateError {
		return nil, p.err
	}
	for {
		var (
			done bool
			more bool
		)
		switch p.state {
		case stateRequestLine:
			more = p.recvRequestLine()
		case stateHeaders:
			more, done = p.recvHeaders()
		case stateSizedContent:
			more, done = p.recvSizedContent()
		case stateChunkSize:
			more = p.recvChunkSize()
		case stateChunkData:
			more = p.recvChunkData()
		case stateChunkDataEnd:
			more = p.recvChunkDataEnd()
		case stateTrailers:
			more, done = p.recvTrailers()
		}
		if p.state == stateError {
			return nil, p.err
		}
		if done {
			return p.complete(), nil
		}
		if more {
			return nil, nil
		}
	}
}

func (p *requestParser) fail(status int16, reason string) {
	p.state = stateError
	p.err = &ParseError{Status: status, Reason: reason}
	p.request = nil
	p.content = nil
}

func (p *requestParser) consume(n int) {
	p.input = append(p.input[:0], p.input[n:]...)
	p.scanFrom = 0
}

// findLine returns the index of the next '\n' in p.input, or -1.
func (p *requestParser) findLine() int {
	if i := bytes.IndexByte(p.input[p.scanFrom:], '\n'); i >= 0 {
		return p.scanFrom + i
	}
	p.scanFrom = len(p.input)
	return -1
}

func (p *requestParser) recvRequestLine() (more bool) {
	// RFC 9112 (section 2.2):
	// In the interest of robustness, a server that is expecting to receive
	// and parse a request-line SHOULD ignore at least one empty line (CRLF)
	// received prior to the request-line.
	for len(p.input) > 0 {
		if p.input[0] == '\n' {
			p.consume(1)
		} else if p.input[0] == '\r' && len(p.input) >= 2 && p.input[1] == '\n' {
			p.consume(2)
		} else {
			break
		}
	}
	if len(p.input) == 0 || (len(p.input) == 1 && p.input[0] == '\r') {
		return true
	}

	eol := p.findLine()
	if eol < 0 {
		if len(p.input) > p.limits.MaxRequestLineBytes {
			p.fail(StatusURITooLong, "request line is too long")
		}
		return true
	}
	if eol+1 > p.limits.MaxRequestLineBytes {
		p.fail(StatusURITooLong, "request line is too long")
		return false
	}
	line := p.input[:eol]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	req := new(Request)
	req.headers = make(map[string]string)
	req.contentSize = -1
	if status, reason := parseRequestLine(req, string(line)); status != StatusOK {
		p.fail(status, reason)
		return false
	}
	p.consume(eol + 1)
	p.request = req
	p.headBytes = 0
	p.state = stateHeaders
	return false
}

// parseRequestLine parses: request-line = method SP request-target SP HTTP-version
func parseRequestLine(req *Request, line string) (status int16, failReason string) {
	sp1 := strings.IndexByte(line, ' ')
	if sp1 <= 0 {
		return StatusBadRequest, "malformed request line"
	}
	sp2 := strings.IndexByte(line[sp1+1:], ' ')
	if sp2 < 0 {
		return StatusBadRequest, "malformed request line"
	}
	sp2 += sp1 + 1
	method, target, version := line[:sp1], line[sp1+1:sp2], line[sp2+1:]
	if !isToken(method) {
		return StatusBadRequest, "invalid character in method"
	}
	switch version {
	case stringHTTP1_1:
		req.versionCode = Version1_1
	case stringHTTP1_0:
		req.versionCode = Version1_0
	default:
		if len(version) == 8 && strings.HasPrefix(version, "HTTP/") && version[6] == '.' && isDigit(version[5]) && isDigit(version[7]) {
			return StatusHTTPVersionNotSupported, "unsupported http version"
		}
		return StatusBadRequest, "malformed http version"
	}
	if target == "" {
		return StatusBadRequest, "empty request target"
	}
	for i := 0; i < len(target); i++ {
		if b := target[i]; b <= ' ' || b == 0x7F {
			return StatusBadRequest, "invalid character in request target"
		}
	}
	req.method = method
	req.target = target
	return parseTarget(req, target)
}

func parseTarget(req *Request, target string) (status int16, failReason string) {
	rest := target
	if target[0] != '/' {
		if target == "*" {
			if req.method != "OPTIONS" {
				return StatusBadRequest, "asterisk-form is only allowed for OPTIONS"
			}
			req.path, req.rawPath = "*", "*"
			return StatusOK, ""
		}
		// absolute-form = absolute-URI
		lower := strings.ToLower(target)
		var authority string
		if strings.HasPrefix(lower, "http://") {
			authority = target[len("http://"):]
		} else if strings.HasPrefix(lower, "https://") {
			authority = target[len("https://"):]
		} else {
			return StatusBadRequest, "unsupported request target form"
		}
		if slash := strings.IndexAny(authority, "/?"); slash >= 0 {
			authority, rest = authority[:slash], authority[slash:]
		} else {
			rest = "/"
		}
		if rest[0] == '?' {
			rest = "/" + rest
		}
		if req.hostname, req.colonport = splitHostPort(authority); req.hostname == "" {
			return StatusBadRequest, "invalid authority in request target"
		}
	}
	if query := strings.IndexByte(rest, '?'); query >= 0 {
		req.rawPath, req.query = rest[:query], rest[query+1:]
	} else {
		req.rawPath = rest
	}
	if fragment := strings.IndexByte(req.query, '#'); fragment >= 0 {
		req.query = req.query[:fragment]
	}
	path, ok := unescapePath(req.rawPath)
	if !ok {
		return StatusBadRequest, "invalid percent-encoding in path"
	}
	req.path = path
	return StatusOK, ""
}

// unescapePath decodes %XX escapes. NUL is not allowed.
func unescapePath(raw string) (string, bool) {
	if strings.IndexByte(raw, '%') < 0 {
		return raw, true
	}
	p := make([]byte, 0, len(raw))
	for i := 0; i < len(raw); i++ {
		b := raw[i]
		if b == '%' {
			if i+2 >= len(raw) {
				return "", false
			}
			h, l := unhex(raw[i+1]), unhex(raw[i+2])
			if h < 0 || l < 0 {
				return "", false
			}
			b = byte(h<<4 | l)
			if b == 0 {
				return "", false
			}
			i += 2
		}
		p = append(p, b)
	}
	return string(p), true
}

func recvHeaderLine(line []byte) (name string, value string, failReason string) {
	// header-field = field-name ":" OWS field-value OWS
	if line[0] == ' ' || line[0] == '\t' {
		// RFC 9112 (section 5.2):
		// A server that receives an obs-fold in a request message that is not
		// within a "message/http" container MUST either reject the message by
		// sending a 400 (Bad Request) ...
		return "", "", "obsolete line folding is not allowed"
	}
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return "", "", "header line without colon"
	}
	nameBytes := line[:colon]
	for _, b := range nameBytes {
		if webTchar[b] == 0 {
			return "", "", "header name contains bad character"
		}
	}
	valueBytes := line[colon+1:]
	for _, b := range valueBytes {
		if !isFieldVchar(b) {
			return "", "", "header value contains bad character"
		}
	}
	valueBytes = bytes.Trim(valueBytes, " \t")
	return lowerASCII(string(nameBytes)), string(valueBytes), ""
}

// trimEOL removes the trailing LF or CRLF of line.
func trimEOL(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
	}
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line
}

func (p *requestParser) recvHeaders() (more bool, done bool) {
	for {
		eol := p.findLine()
		if eol < 0 {
			pending := len(p.input)
			if pending == 1 && p.input[0] == '\r' { // maybe the final empty line
				pending = 0
			}
			if p.headBytes+pending > p.limits.MaxHeaderBlockBytes {
				p.fail(StatusRequestHeaderFieldsTooLarge, "header block is too large")
				return false, false
			}
			return true, false
		}
		line := trimEOL(p.input[:eol+1])
		if len(line) == 0 { // end of header block
			p.consume(eol + 1)
			return p.endHead()
		}
		if p.headBytes += eol + 1; p.headBytes > p.limits.MaxHeaderBlockBytes {
			p.fail(StatusRequestHeaderFieldsTooLarge, "header block is too large")
			return false, false
		}
		name, value, reason := recvHeaderLine(line)
		if reason == "" {
			reason = p.request.addHeader(name, value)
		}
		if reason != "" {
			p.fail(StatusBadRequest, reason)
			return false, false
		}
		p.consume(eol + 1)
	}
}

func (p *requestParser) endHead() (more bool, done bool) {
	req := p.request
	if status, reason := req.examineHead(); status != StatusOK {
		p.fail(status, reason)
		return false, false
	}
	p.maxContent = defaultMaxContentSize
	if p.contentLimit != nil {
		p.maxContent = p.contentLimit(req)
	}

	transferEncoding, hasTE := req.headers["transfer-encoding"]
	contentLength, hasCL := req.headers["content-length"]
	if hasTE {
		// RFC 9112 (section 6.1):
		// A server MAY reject a request that contains both Content-Length and
		// Transfer-Encoding or process such a request in accordance with the
		// Transfer-Encoding alone.
		if hasCL {
			return p.failed(StatusBadRequest, "both content-length and transfer-encoding are present")
		}
		if req.versionCode == Version1_0 {
			return p.failed(StatusBadRequest, "transfer-encoding is not allowed in http/1.0")
		}
		if strings.ToLower(strings.TrimSpace(transferEncoding)) != "chunked" {
			return p.failed(StatusNotImplemented, "unsupported transfer coding")
		}
		req.chunked = true
		p.content = make([]byte, 0, 1024)
		p.state = stateChunkSize
		return false, false
	}
	if hasCL {
		size, ok := parseContentLength(contentLength)
		if !ok {
			return p.failed(StatusBadRequest, "invalid content-length")
		}
		if size > p.maxContent {
			return p.failed(StatusContentTooLarge, "content is too large")
		}
		req.contentSize = size
		if size == 0 {
			p.content = []byte{}
			return false, true
		}
		p.content = make([]byte, 0, size)
		p.state = stateSizedContent
		return false, false
	}
	if req.method == "POST" || req.method == "PUT" {
		return p.failed(StatusLengthRequired, "content-length is required")
	}
	return false, true
}

func (p *requestParser) failed(status int16, reason string) (more bool, done bool) {
	p.fail(status, reason)
	return false, false
}

func (p *requestParser) recvSizedContent() (more bool, done bool) {
	need := p.request.contentSize - int64(len(p.content))
	take := int64(len(p.input))
	if take > need {
		take = need
	}
	p.content = append(p.content, p.input[:take]...)
	p.consume(int(take))
	if int64(len(p.content)) == p.request.contentSize {
		return false, true
	}
	return true, false
}

func (p *requestParser) recvChunkSize() (more bool) {
	// chunk = chunk-size [ chunk-ext ] CRLF chunk-data CRLF
	eol := p.findLine()
	if eol < 0 {
		if len(p.input) > maxChunkSizeLine {
			p.fail(StatusBadRequest, "chunk size line is too long")
		}
		return true
	}
	if eol+1 > maxChunkSizeLine {
		p.fail(StatusBadRequest, "chunk size line is too long")
		return false
	}
	line := trimEOL(p.input[:eol+1])
	if semi := bytes.IndexByte(line, ';'); semi >= 0 {
		line = line[:semi]
	}
	line = bytes.TrimRight(line, " \t")
	size, ok := parseHexSize(line)
	if !ok {
		p.fail(StatusBadRequest, "invalid chunk size")
		return false
	}
	p.consume(eol + 1)
	if size == 0 {
		p.trailerBytes = 0
		p.state = stateTrailers
		return false
	}
	if int64(len(p.content))+size > p.maxContent {
		p.fail(StatusContentTooLarge, "content is too large")
		return false
	}
	p.chunkRemain = size
	p.state = stateChunkData
	return false
}

func (p *requestParser) recvChunkData() (more bool) {
	if len(p.input) == 0 {
		return true
	}
	take := int64(len(p.input))
	if take > p.chunkRemain {
		take = p.chunkRemain
	}
	p.content = append(p.content, p.input[:take]...)
	p.consume(int(take))
	if p.chunkRemain -= take; p.chunkRemain == 0 {
		p.state = stateChunkDataEnd
	}
	return false
}

func (p *requestParser) recvChunkDataEnd() (more bool) {
	if len(p.input) == 0 {
		return true
	}
	if p.input[0] == '\n' {
		p.consume(1)
	} else if p.input[0] == '\r' {
		if len(p.input) < 2 {
			return true
		}
		if p.input[1] != '\n' {
			p.fail(StatusBadRequest, "bad end of chunk data")
			return false
		}
		p.consume(2)
	} else {
		p.fail(StatusBadRequest, "bad end of chunk data")
		return false
	}
	p.state = stateChunkSize
	return false
}

func (p *requestParser) recvTrailers() (more bool, done bool) {
	// trailer-section = *( field-line CRLF )
	for {
		eol := p.findLine()
		if eol < 0 {
			if p.trailerBytes+len(p.input) > p.limits.MaxHeaderBlockBytes {
				p.fail(StatusRequestHeaderFieldsTooLarge, "trailer section is too large")
				return false, false
			}
			return true, false
		}
		line := trimEOL(p.input[:eol+1])
		if len(line) == 0 {
			p.consume(eol + 1)
			p.request.contentSize = int64(len(p.content))
			return false, true
		}
		if p.trailerBytes += eol + 1; p.trailerBytes > p.limits.MaxHeaderBlockBytes {
			p.fail(StatusRequestHeaderFieldsTooLarge, "trailer section is too large")
			return false, false
		}
		if _, _, reason := recvHeaderLine(line); reason != "" { // trailers are validated but not kept
			p.fail(StatusBadRequest, reason)
			return false, false
		}
		p.consume(eol + 1)
	}
}

// complete hands out the current request and resets the parser for the next pipelined one.
func (p *requestParser) complete() *Request {
	req := p.request
	if p.content != nil {
		req.content = p.content
	}
	p.request = nil
	p.content = nil
	p.headBytes, p.trailerBytes, p.chunkRemain, p.maxContent = 0, 0, 0, 0
	p.state = stateRequestLine
	return req
}

func parseContentLength(s string) (int64, bool) {
	if s == "" || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return 0, false
		}
		n = n*10 + int64(s[i]-'0')
	}
	return n, true
}

func parseHexSize(p []byte) (int64, bool) {
	if len(p) == 0 || len(p) > 15 {
		return 0, false
	}
	var n int64
	for _, b := range p {
		h := unhex(b)
		if h < 0 {
			return 0, false
		}
		n = n<<4 | int64(h)
	}
	return n, true
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func unhex(b byte) int {
	switch {
	case b >= '0' && b <= '9':
		return int(b - '0')
	case b >= 'a' && b <= 'f':
		return int(b - 'a' + 10)
	case b >= 'A' && b <= 'F':
		return int(b - 'A' + 10)
	}
	return -1
}
