// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Static handlet serves requests to local file system.

package hemi

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// staticHandlet
type staticHandlet struct {
	// Assocs
	fcache *fcache // may be nil
	logger zerolog.Logger
	// States
	mimeTypes   map[string]string // ...
	defaultType string            // ...
}

func newStaticHandlet(fcache *fcache, logger zerolog.Logger) *staticHandlet {
	h := new(staticHandlet)
	h.fcache = fcache
	h.logger = logger
	h.mimeTypes = staticDefaultMimeTypes
	h.defaultType = "application/octet-stream"
	return h
}

func (h *staticHandlet) serve(d decision, req *Request, resp *Response) {
	switch req.method {
	case "GET", "HEAD":
		h.get(d, req, resp)
	case "POST":
		if d.rule.upload {
			h.upload(d, req, resp)
		} else {
			resp.SendForbidden()
		}
	case "DELETE":
		h.delete(d, resp)
	default:
		resp.SendNotImplemented()
	}
}

func (h *staticHandlet) get(d decision, req *Request, resp *Response) {
	info, err := os.Stat(d.fsPath)
	if err != nil {
		h.sendStatError(err, d.fsPath, resp)
		return
	}
	if !info.IsDir() {
		if !info.Mode().IsRegular() {
			resp.SendForbidden()
			return
		}
		h.sendFile(d.fsPath, info, req, resp)
		return
	}
	for _, indexFile := range d.rule.indexFiles {
		indexPath := filepath.Join(d.fsPath, indexFile)
		if indexInfo, err := os.Stat(indexPath); err == nil && indexInfo.Mode().IsRegular() {
			h.sendFile(indexPath, indexInfo, req, resp) // served in place, no redirection
			return
		}
	}
	if !d.rule.autoIndex {
		resp.SendForbidden()
		return
	}
	h.listDir(d, req, resp)
}

func (h *staticHandlet) sendStatError(err error, fsPath string, resp *Response) {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		resp.SendNotFound()
	case errors.Is(err, fs.ErrPermission):
		resp.SendForbidden()
	default:
		if errors.Is(err, syscall.ENOTDIR) { // a file used as a directory in the path
			resp.SendNotFound()
			return
		}
		h.logger.Error().Err(err).Str("path", fsPath).Msg("stat file error")
		resp.SendInternalServerError()
	}
}

func (h *staticHandlet) contentTypeOf(fsPath string) string {
	if p := strings.LastIndexByte(fsPath, '.'); p >= 0 && p > strings.LastIndexByte(fsPath, '/') {
		if mimeType, ok := h.mimeTypes[strings.ToLower(fsPath[p+1:])]; ok {
			return mimeType
		}
	}
	return h.defaultType
}

func (h *staticHandlet) sendFile(fsPath string, info os.FileInfo, req *Request, resp *Response) {
	modTime := info.ModTime().UTC()
	size := info.Size()
	etag := `"` + strconv.FormatInt(modTime.Unix(), 16) + "-" + strconv.FormatInt(size, 16) + `"`
	resp.AddHeader("Last-Modified", modTime.Format(httpTimeFormat))
	resp.AddHeader("ETag", etag)
	if notModified(req, etag, modTime) {
		resp.SetStatus(StatusNotModified)
		resp.SendBytes(nil)
		return
	}
	resp.AddHeader("Content-Type", h.contentTypeOf(fsPath))
	if h.fcache != nil {
		if text, ok := h.fcache.get(fsPath, info); ok {
			resp.SendBytes(text)
			return
		}
	}
	file, err := os.Open(fsPath)
	if err != nil {
		h.sendStatError(err, fsPath, resp)
		return
	}
	resp.sendFile(file, size)
}

// notModified evaluates If-None-Match and If-Modified-Since. See RFC 9110 section 13.2.2.
func notModified(req *Request, etag string, modTime time.Time) bool {
	if ifNoneMatch, ok := req.Header("if-none-match"); ok {
		for _, tag := range strings.Split(ifNoneMatch, ",") {
			if tag = strings.TrimSpace(tag); tag == "*" || strings.TrimPrefix(tag, "W/") == etag {
				return true
			}
		}
		return false
	}
	if ifModifiedSince, ok := req.Header("if-modified-since"); ok {
		if since, err := time.Parse(httpTimeFormat, ifModifiedSince); err == nil {
			return !modTime.Truncate(time.Second).After(since)
		}
	}
	return false
}

func (h *staticHandlet) upload(d decision, req *Request, resp *Response) {
	if strings.HasSuffix(req.path, "/") {
		resp.SendForbidden()
		return
	}
	created := true
	if info, err := os.Stat(d.fsPath); err == nil {
		if !info.Mode().IsRegular() {
			resp.SendForbidden()
			return
		}
		created = false
	}
	dir := filepath.Dir(d.fsPath)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		resp.SendNotFound()
		return
	}
	temp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		h.logger.Error().Err(err).Str("dir", dir).Msg("create upload file error")
		resp.SendError(StatusForbidden)
		return
	}
	_, err = temp.Write(req.content)
	if closeErr := temp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(temp.Name(), d.fsPath)
	}
	if err != nil {
		os.Remove(temp.Name())
		h.logger.Error().Err(err).Str("path", d.fsPath).Msg("store upload error")
		resp.SendInternalServerError()
		return
	}
	if h.fcache != nil {
		h.fcache.evict(d.fsPath)
	}
	resp.AddHeader("Content-Type", "text/plain; charset=utf-8")
	if created {
		resp.SetStatus(StatusCreated)
		resp.AddHeader("Location", req.path)
		resp.Send("created\n")
	} else {
		resp.Send("updated\n")
	}
}

func (h *staticHandlet) delete(d decision, resp *Response) {
	info, err := os.Lstat(d.fsPath)
	if err != nil {
		h.sendStatError(err, d.fsPath, resp)
		return
	}
	if info.IsDir() {
		resp.SendForbidden()
		return
	}
	if err := os.Remove(d.fsPath); err != nil {
		h.sendStatError(err, d.fsPath, resp)
		return
	}
	if h.fcache != nil {
		h.fcache.evict(d.fsPath)
	}
	resp.SetStatus(StatusNoContent)
	resp.SendBytes(nil)
}

var staticDefaultMimeTypes = map[string]string{
	"7z":    "application/x-7z-compressed",
	"atom":  "application/atom+xml",
	"bin":   "application/octet-stream",
	"bmp":   "image/x-ms-bmp",
	"css":   "text/css",
	"csv":   "text/csv",
	"deb":   "application/octet-stream",
	"dll":   "application/octet-stream",
	"doc":   "application/msword",
	"dmg":   "application/octet-stream",
	"exe":   "application/octet-stream",
	"flv":   "video/x-flv",
	"gif":   "image/gif",
	"htm":   "text/html",
	"html":  "text/html",
	"ico":   "image/x-icon",
	"img":   "application/octet-stream",
	"iso":   "application/octet-stream",
	"jar":   "application/java-archive",
	"jpg":   "image/jpeg",
	"jpeg":  "image/jpeg",
	"js":    "application/javascript",
	"json":  "application/json",
	"m4a":   "audio/x-m4a",
	"md":    "text/markdown",
	"mov":   "video/quicktime",
	"mp3":   "audio/mpeg",
	"mp4":   "video/mp4",
	"mpeg":  "video/mpeg",
	"mpg":   "video/mpeg",
	"pdf":   "application/pdf",
	"png":   "image/png",
	"ppt":   "application/vnd.ms-powerpoint",
	"ps":    "application/postscript",
	"rar":   "application/x-rar-compressed",
	"rss":   "application/rss+xml",
	"rtf":   "application/rtf",
	"svg":   "image/svg+xml",
	"txt":   "text/plain",
	"war":   "application/java-archive",
	"wasm":  "application/wasm",
	"webm":  "video/webm",
	"webp":  "image/webp",
	"woff":  "font/woff",
	"woff2": "font/woff2",
	"xls":   "application/vnd.ms-excel",
	"xml":   "text/xml",
	"zip":   "application/zip",
}
