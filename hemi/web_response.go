// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Outgoing responses.

package hemi

import (
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

const httpTimeFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

// Response is the response to send for a request. It is built by handlets and written by the connection.
type Response struct {
	// Assocs
	errorPages map[int16][]byte // custom error pages of the webapp, may be nil
	// States
	status        int16
	fields        []responseField // added header fields, in order
	content       []byte          // text content
	file          *os.File        // file content. closed after written
	fileSize      int64           // size of file content
	forbidContent bool            // true for HEAD requests
	closeAfter    bool            // send "connection: close" and close the connection
}

type responseField struct {
	name  string // as given
	lower string // lowercased name
	value string
}

func newResponse(req *Request, errorPages map[int16][]byte) *Response {
	r := new(Response)
	r.status = StatusOK
	r.errorPages = errorPages
	if req != nil && req.IsHEAD() {
		r.forbidContent = true
	}
	return r
}

func (r *Response) Status() int16          { return r.status }
func (r *Response) SetStatus(status int16) { r.status = status }

// AddHeader appends a header field. Connection and content-length fields are managed by the response itself.
func (r *Response) AddHeader(name string, value string) bool {
	lower := lowerASCII(name)
	if !isToken(name) || lower == "content-length" || lower == "connection" || lower == "transfer-encoding" {
		return false
	}
	r.fields = append(r.fields, responseField{name, lower, value})
	return true
}
func (r *Response) Header(name string) (value string, ok bool) {
	lower := lowerASCII(name)
	for _, field := range r.fields {
		if field.lower == lower {
			return field.value, true
		}
	}
	return "", false
}
func (r *Response) DelHeader(name string) (deleted bool) {
	lower := lowerASCII(name)
	fields := r.fields[:0]
	for _, field := range r.fields {
		if field.lower == lower {
			deleted = true
		} else {
			fields = append(fields, field)
		}
	}
	r.fields = fields
	return
}
func (r *Response) SetHeader(name string, value string) bool {
	r.DelHeader(name)
	return r.AddHeader(name, value)
}

func (r *Response) ContentSize() int64 {
	if r.file != nil {
		return r.fileSize
	}
	return int64(len(r.content))
}

func (r *Response) Send(content string) { r.SendBytes([]byte(content)) }
func (r *Response) SendBytes(content []byte) {
	r.releaseFile()
	r.content = content
}
func (r *Response) sendFile(file *os.File, size int64) {
	r.releaseFile()
	r.content = nil
	r.file, r.fileSize = file, size
}
func (r *Response) releaseFile() {
	if r.file != nil {
		r.file.Close()
		r.file = nil
		r.fileSize = 0
	}
}

func (r *Response) setConnectionClose() { r.closeAfter = true }

// SendError sends an error response, using the webapp's custom error page for status if it has one.
func (r *Response) SendError(status int16) {
	r.status = status
	r.DelHeader("content-type")
	r.AddHeader("Content-Type", "text/html; charset=utf-8")
	if page, ok := r.errorPages[status]; ok {
		r.SendBytes(page)
	} else {
		r.SendBytes(errorPageFor(status))
	}
}

func (r *Response) SendBadRequest()          { r.SendError(StatusBadRequest) }
func (r *Response) SendForbidden()           { r.SendError(StatusForbidden) }
func (r *Response) SendNotFound()            { r.SendError(StatusNotFound) }
func (r *Response) SendInternalServerError() { r.SendError(StatusInternalServerError) }
func (r *Response) SendNotImplemented()      { r.SendError(StatusNotImplemented) }
func (r *Response) SendBadGateway()          { r.SendError(StatusBadGateway) }
func (r *Response) SendGatewayTimeout()      { r.SendError(StatusGatewayTimeout) }
func (r *Response) SendMethodNotAllowed(allow string) {
	r.SetHeader("Allow", allow)
	r.SendError(StatusMethodNotAllowed)
}
func (r *Response) SendRedirect(status int16, location string) {
	r.status = status
	r.SetHeader("Location", location)
	r.SetHeader("Content-Type", "text/html; charset=utf-8")
	r.SendBytes(errorPageFor(status))
}

var builtinErrorPages = make(map[int16][]byte)

func init() {
	for status := range webReasonPhrases {
		if status >= 300 {
			builtinErrorPages[status] = makeErrorPage(status)
		}
	}
}

func makeErrorPage(status int16) []byte {
	text := statusText(status)
	return []byte(`<html><head><title>` + text + `</title></head><body><h1>` + text + `</h1><hr><p>webrox</p></body></html>`)
}

func errorPageFor(status int16) []byte {
	if page, ok := builtinErrorPages[status]; ok {
		return page
	}
	return makeErrorPage(status)
}

// bodyAllowed reports whether a response with the given status may carry content. See RFC 9110 section 6.4.1.
func bodyAllowed(status int16) bool {
	return status >= 200 && status != StatusNoContent && status != StatusNotModified
}

// head builds the status line and header section.
func (r *Response) head(versionCode uint8, keepAlive bool) []byte {
	var b strings.Builder
	b.Grow(256)
	if versionCode == Version1_0 {
		b.WriteString(stringHTTP1_0)
	} else {
		b.WriteString(stringHTTP1_1)
	}
	b.WriteByte(' ')
	b.WriteString(statusText(r.status))
	b.WriteString("\r\n")
	for _, field := range r.fields {
		b.WriteString(field.name)
		b.WriteString(": ")
		b.WriteString(field.value)
		b.WriteString("\r\n")
	}
	if _, ok := r.Header("date"); !ok {
		b.WriteString("Date: ")
		b.WriteString(time.Now().UTC().Format(httpTimeFormat))
		b.WriteString("\r\n")
	}
	if _, ok := r.Header("server"); !ok {
		b.WriteString("Server: webrox/" + Version + "\r\n")
	}
	if bodyAllowed(r.status) {
		b.WriteString("Content-Length: ")
		b.WriteString(strconv.FormatInt(r.ContentSize(), 10))
		b.WriteString("\r\n")
	}
	if !keepAlive {
		b.WriteString("Connection: close\r\n")
	} else if versionCode == Version1_0 {
		b.WriteString("Connection: keep-alive\r\n")
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

// writeTo writes the whole response to w. The response file (if any) is closed.
func (r *Response) writeTo(w io.Writer, versionCode uint8, keepAlive bool) (n int64, err error) {
	defer r.releaseFile()
	head := r.head(versionCode, keepAlive)
	if r.forbidContent || !bodyAllowed(r.status) {
		written, err := w.Write(head)
		return int64(written), err
	}
	if r.file == nil {
		vector := net.Buffers{head, r.content}
		return vector.WriteTo(w)
	}
	written, err := w.Write(head)
	if n = int64(written); err != nil {
		return n, err
	}
	copied, err := io.CopyN(w, r.file, r.fileSize)
	return n + copied, err
}
