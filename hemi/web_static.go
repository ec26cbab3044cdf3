// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Directory listings.

package hemi

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-json"
)

// autoindexEntry is one line of a directory listing.
type autoindexEntry struct {
	Name    string    `json:"name"`
	IsDir   bool      `json:"isDir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}

// readAutoindex reads entries of dir ordered by name. Dot files are skipped unless showHidden.
func readAutoindex(dir string, showHidden bool) ([]autoindexEntry, error) {
	dirEntries, err := os.ReadDir(dir) // sorted by filename
	if err != nil {
		return nil, err
	}
	entries := make([]autoindexEntry, 0, len(dirEntries))
	for _, dirEntry := range dirEntries {
		name := dirEntry.Name()
		if !showHidden && name[0] == '.' {
			continue
		}
		info, err := dirEntry.Info()
		if err != nil { // removed in between
			continue
		}
		entry := autoindexEntry{Name: name, IsDir: info.IsDir(), ModTime: info.ModTime().UTC()}
		if !entry.IsDir {
			entry.Size = info.Size()
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// renderAutoindexHTML renders entries as an HTML table. Links are absolute, based on urlPath.
func renderAutoindexHTML(urlPath string, entries []autoindexEntry) []byte {
	base := urlPath
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	title := "Index of " + staticHTMLEscape(base)
	var b strings.Builder
	b.WriteString(`<html><head><meta charset="utf-8"><title>` + title + `</title></head><body><h1>` + title + `</h1>`)
	b.WriteString(`<table border="1">`)
	b.WriteString(`<tr><th>name</th><th>size</th><th>time</th></tr>`)
	if base != "/" {
		b.WriteString(`<tr><td><a href="` + staticHTMLEscape(parentOf(base)) + `">../</a></td><td>-</td><td>-</td></tr>`)
	}
	for _, entry := range entries {
		name, href := entry.Name, base+url.PathEscape(entry.Name)
		size := `<td title="` + strconv.FormatInt(entry.Size, 10) + `">` + humanize.IBytes(uint64(entry.Size)) + `</td>`
		if entry.IsDir {
			name += "/"
			href += "/"
			size = `<td>-</td>`
		}
		b.WriteString(`<tr><td><a href="` + staticHTMLEscape(href) + `">` + staticHTMLEscape(name) + `</a></td>` + size + `<td>` + entry.ModTime.Format("2006-01-02 15:04:05") + `</td></tr>`)
	}
	b.WriteString("</table></body></html>")
	return []byte(b.String())
}

// renderAutoindexJSON renders entries as a JSON array.
func renderAutoindexJSON(entries []autoindexEntry) ([]byte, error) {
	return json.Marshal(entries)
}

func parentOf(dirPath string) string {
	trimmed := strings.TrimSuffix(dirPath, "/")
	return trimmed[:strings.LastIndexByte(trimmed, '/')+1]
}

func (h *staticHandlet) listDir(d decision, req *Request, resp *Response) {
	entries, err := readAutoindex(d.fsPath, d.rule.showHidden)
	if err != nil {
		h.sendStatError(err, d.fsPath, resp)
		return
	}
	if d.rule.autoIndexFormat == "json" {
		text, err := renderAutoindexJSON(entries)
		if err != nil {
			h.logger.Error().Err(err).Str("path", d.fsPath).Msg("render autoindex error")
			resp.SendInternalServerError()
			return
		}
		resp.AddHeader("Content-Type", "application/json")
		resp.SendBytes(text)
		return
	}
	resp.AddHeader("Content-Type", "text/html; charset=utf-8")
	resp.SendBytes(renderAutoindexHTML(req.path, entries))
}

func staticHTMLEscape(s string) string { return staticHTMLEscaper.Replace(s) }

var staticHTMLEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;")
