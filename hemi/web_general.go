// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// General web elements.

package hemi

import (
	"strconv"
)

// SizeLimits bounds the two unbounded parts of an HTTP/1.x head. Both are measured in raw
// bytes received before the relevant terminator is found.
type SizeLimits struct {
	MaxRequestLineBytes int // including CRLF
	MaxHeaderBlockBytes int // all header lines including their CRLFs, excluding the final empty line
}

const (
	maxRequestLineBytes = 2048
	maxHeaderBlockBytes = 16384
)

// DefaultSizeLimits are the limits every connection uses.
var DefaultSizeLimits = SizeLimits{
	MaxRequestLineBytes: maxRequestLineBytes,
	MaxHeaderBlockBytes: maxHeaderBlockBytes,
}

const ( // version codes
	Version1_0 = 0 // must be 0
	Version1_1 = 1
)

var ( // version strings
	stringHTTP1_0 = "HTTP/1.0"
	stringHTTP1_1 = "HTTP/1.1"
)

const ( // status codes
	// 2XX
	StatusOK        = 200
	StatusCreated   = 201
	StatusNoContent = 204
	// 3XX
	StatusMovedPermanently  = 301
	StatusFound             = 302
	StatusSeeOther          = 303
	StatusNotModified       = 304
	StatusTemporaryRedirect = 307
	StatusPermanentRedirect = 308
	// 4XX
	StatusBadRequest                  = 400
	StatusForbidden                   = 403
	StatusNotFound                    = 404
	StatusMethodNotAllowed            = 405
	StatusRequestTimeout              = 408
	StatusLengthRequired              = 411
	StatusContentTooLarge             = 413
	StatusURITooLong                  = 414
	StatusRequestHeaderFieldsTooLarge = 431
	// 5XX
	StatusInternalServerError     = 500
	StatusNotImplemented          = 501
	StatusBadGateway              = 502
	StatusServiceUnavailable      = 503
	StatusGatewayTimeout          = 504
	StatusHTTPVersionNotSupported = 505
)

var webReasonPhrases = map[int16]string{
	100: "Continue",
	200: "OK",
	201: "Created",
	202: "Accepted",
	204: "No Content",
	206: "Partial Content",
	300: "Multiple Choices",
	301: "Moved Permanently",
	302: "Found",
	303: "See Other",
	304: "Not Modified",
	307: "Temporary Redirect",
	308: "Permanent Redirect",
	400: "Bad Request",
	401: "Unauthorized",
	403: "Forbidden",
	404: "Not Found",
	405: "Method Not Allowed",
	406: "Not Acceptable",
	408: "Request Timeout",
	409: "Conflict",
	410: "Gone",
	411: "Length Required",
	412: "Precondition Failed",
	413: "Payload Too Large",
	414: "URI Too Long",
	415: "Unsupported Media Type",
	416: "Range Not Satisfiable",
	429: "Too Many Requests",
	431: "Request Header Fields Too Large",
	500: "Internal Server Error",
	501: "Not Implemented",
	502: "Bad Gateway",
	503: "Service Unavailable",
	504: "Gateway Timeout",
	505: "HTTP Version Not Supported",
}

// ReasonPhrase returns the fixed reason phrase of status, or "Unknown" if it's not registered.
func ReasonPhrase(status int16) string {
	if phrase, ok := webReasonPhrases[status]; ok {
		return phrase
	}
	return "Unknown"
}

func statusText(status int16) string { return strconv.Itoa(int(status)) + " " + ReasonPhrase(status) }

var webTchar = [256]int8{ // tchar = ALPHA / DIGIT / "!" / "#" / "$" / "%" / "&" / "'" / "*" / "+" / "-" / "." / "^" / "_" / "`" / "|" / "~"
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 1, 0, 1, 1, 1, 1, 1, 0, 0, 1, 1, 0, 1, 1, 0, //   !   # $ % & '     * +   - .
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 0, 0, 0, 0, 0, // 0 1 2 3 4 5 6 7 8 9
	0, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, //   A B C D E F G H I J K L M N O
	2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 2, 0, 0, 0, 1, 1, // P Q R S T U V W X Y Z       ^ _
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, // ` a b c d e f g h i j k l m n o
	1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 0, 1, 0, 1, 0, // p q r s t u v w x y z   |   ~
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
	0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

// isToken reports whether s is a non-empty RFC 9110 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if webTchar[s[i]] == 0 {
			return false
		}
	}
	return true
}

// isFieldVchar reports whether b may appear inside a field value.
func isFieldVchar(b byte) bool { return (b >= 0x20 && b != 0x7F) || b == 0x09 }

func lowerASCII(s string) string {
	for i := 0; i < len(s); i++ {
		if webTchar[s[i]] == 2 {
			p := []byte(s)
			for j := i; j < len(p); j++ {
				if webTchar[p[j]] == 2 {
					p[j] += 0x20
				}
			}
			return string(p)
		}
	}
	return s
}
