// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Incoming requests.

package hemi

import (
	"net"
	"strings"
)

// Request is a parsed HTTP/1.x request. It is built by the request parser and is not mutated after that.
type Request struct {
	// States
	method      string            // GET, POST, ...
	target      string            // raw request-target as received
	path        string            // decoded path, always starts with '/'
	rawPath     string            // path part of target, not decoded
	query       string            // without '?'
	versionCode uint8             // Version1_0, Version1_1
	headers     map[string]string // lowercased names. last one wins
	headerOrder []string          // lowercased names in the order they first appeared
	hostname    string            // lowercased, without port
	colonport   string            // ":8080" or ""
	contentSize int64             // -1 if no content
	chunked     bool              // content was sent in chunked transfer coding
	content     []byte            // the whole content
	keepAlive   bool              // connection persistence requested by client
	remoteAddr  net.Addr          // set by the connection
	localAddr   net.Addr          // set by the connection
}

func (r *Request) Method() string  { return r.method }
func (r *Request) Target() string  { return r.target }
func (r *Request) Path() string    { return r.path }
func (r *Request) RawPath() string { return r.rawPath }
func (r *Request) Query() string   { return r.query }
func (r *Request) Version() string {
	if r.versionCode == Version1_1 {
		return stringHTTP1_1
	}
	return stringHTTP1_0
}
func (r *Request) VersionCode() uint8 { return r.versionCode }
func (r *Request) IsHEAD() bool       { return r.method == "HEAD" }

// Header returns the value of the named header field. Name is case-insensitive.
func (r *Request) Header(name string) (value string, ok bool) {
	value, ok = r.headers[lowerASCII(name)]
	return
}
func (r *Request) HasHeader(name string) bool {
	_, ok := r.headers[lowerASCII(name)]
	return ok
}

// ForHeaders calls callback for each header field in the order they first appeared.
func (r *Request) ForHeaders(callback func(name string, value string) bool) {
	for _, name := range r.headerOrder {
		if !callback(name, r.headers[name]) {
			return
		}
	}
}

func (r *Request) Hostname() string  { return r.hostname }
func (r *Request) Colonport() string { return r.colonport }

func (r *Request) ContentType() string { return r.headers["content-type"] }
func (r *Request) HasContent() bool   { return r.contentSize >= 0 }
func (r *Request) ContentSize() int64 { return r.contentSize }
func (r *Request) Content() []byte    { return r.content }
func (r *Request) IsChunked() bool    { return r.chunked }
func (r *Request) KeepAlive() bool    { return r.keepAlive }

func (r *Request) RemoteAddr() net.Addr { return r.remoteAddr }
func (r *Request) LocalAddr() net.Addr  { return r.localAddr }

// addHeader folds a header field into r.headers. Returns a non-empty reason if the field is not acceptable.
func (r *Request) addHeader(name string, value string) (failReason string) {
	old, exists := r.headers[name]
	switch name {
	case "host":
		if exists {
			return "duplicate host header"
		}
	case "content-length":
		if exists && old != value {
			return "conflicting content-length headers"
		}
	}
	if !exists {
		r.headerOrder = append(r.headerOrder, name)
	}
	r.headers[name] = value // last one wins
	return ""
}

// examineHead checks the head as a whole after all header fields are received.
func (r *Request) examineHead() (status int16, failReason string) {
	// Host
	if host, ok := r.headers["host"]; ok {
		hostname, colonport := splitHostPort(host)
		if hostname == "" && host != "" {
			return StatusBadRequest, "invalid host header"
		}
		if r.hostname == "" { // authority in absolute-form takes precedence
			r.hostname, r.colonport = hostname, colonport
		}
	} else if r.versionCode == Version1_1 && r.hostname == "" {
		// RFC 9112 (section 3.2):
		// A server MUST respond with a 400 (Bad Request) status code to any
		// HTTP/1.1 request message that lacks a Host header field.
		return StatusBadRequest, "missing host header"
	}

	// Connection
	connection := strings.ToLower(r.headers["connection"])
	if r.versionCode == Version1_1 {
		r.keepAlive = !headerHasToken(connection, "close")
	} else {
		r.keepAlive = headerHasToken(connection, "keep-alive")
	}
	return StatusOK, ""
}

// splitHostPort splits "Example.COM:8080" into ("example.com", ":8080").
func splitHostPort(host string) (hostname string, colonport string) {
	if host == "" {
		return "", ""
	}
	if host[0] == '[' { // IPv6 literal
		end := strings.IndexByte(host, ']')
		if end < 0 {
			return "", ""
		}
		hostname, colonport = host[:end+1], host[end+1:]
	} else if colon := strings.LastIndexByte(host, ':'); colon >= 0 {
		hostname, colonport = host[:colon], host[colon:]
	} else {
		hostname = host
	}
	if colonport != "" {
		if colonport[0] != ':' || len(colonport) == 1 {
			return "", ""
		}
		for i := 1; i < len(colonport); i++ {
			if b := colonport[i]; b < '0' || b > '9' {
				return "", ""
			}
		}
	}
	for i := 0; i < len(hostname); i++ {
		if b := hostname[i]; b <= ' ' || b == '/' || b == '?' || b == '#' || b == '@' || b == 0x7F {
			return "", ""
		}
	}
	return strings.ToLower(hostname), colonport
}

// headerHasToken reports whether a comma-separated header value contains token. Value must be lowercased.
func headerHasToken(value string, token string) bool {
	for value != "" {
		var item string
		if comma := strings.IndexByte(value, ','); comma >= 0 {
			item, value = value[:comma], value[comma+1:]
		} else {
			item, value = value, ""
		}
		if strings.TrimSpace(item) == token {
			return true
		}
	}
	return false
}
