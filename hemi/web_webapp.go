// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Webapps are virtual hosts. Each webapp has an ordered list of rules (locations) matched by path prefix.

package hemi

import (
	"context"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Webapp is a virtual host. It's built from config at startup and never mutated after that.
type Webapp struct {
	// Assocs
	stage  *Stage
	logger zerolog.Logger // access logger
	// States
	name           string           // first hostname, or listen address if no hostnames
	listens        []string         // "address:port" this webapp is bound to
	hostnames      []string         // lowercased
	webRoot        string           // default root for rules without one
	maxContentSize int64            // max request content size
	errorPages     map[int16][]byte // custom error pages
	rules          []*Rule          // in config order
	byLength       []*Rule          // sorted by path length, longest first
	accessLog      bool
}

func (a *Webapp) Name() string        { return a.name }
func (a *Webapp) Hostnames() []string { return a.hostnames }
func (a *Webapp) Rules() []*Rule      { return a.rules }

func (a *Webapp) sortRules() {
	a.byLength = make([]*Rule, len(a.rules))
	copy(a.byLength, a.rules)
	sort.SliceStable(a.byLength, func(i, j int) bool { return len(a.byLength[i].path) > len(a.byLength[j].path) })
}

// findRule returns the rule with the longest path prefix matching path, or nil.
func (a *Webapp) findRule(path string) *Rule {
	for _, rule := range a.byLength {
		if rule.isMatch(path) {
			return rule
		}
	}
	return nil
}

// Rule is a location in a webapp.
type Rule struct {
	// Assocs
	webapp *Webapp
	// States
	path            string            // "/", "/images", "/cgi-bin/"
	webRoot         string            // files under this rule are resolved against webRoot
	indexFiles      []string          // ordered
	autoIndex       bool              // list directory if no index file exists?
	autoIndexFormat string            // "html" or "json"
	showHidden      bool              // show dot files in directory listing?
	methods         []string          // allowed methods, as configured
	methodSet       map[string]bool   // allowed methods, including implied HEAD
	allow           string            // value of the allow header
	returnCode      int16             // redirect or fixed status, 0 if none
	returnURL       string            // redirect target
	cgis            map[string]string // ".py" -> "/usr/bin/python3"
	upload          bool              // accept POST uploads into webRoot?
	maxContentSize  int64             // max request content size, 0 means the webapp's
}

func (r *Rule) Path() string { return r.path }

func (r *Rule) setMethods(methods []string) {
	r.methods = methods
	r.methodSet = make(map[string]bool, len(methods)+1)
	allow := make([]string, 0, len(methods)+1)
	for _, method := range methods {
		if !r.methodSet[method] {
			r.methodSet[method] = true
			allow = append(allow, method)
		}
	}
	if r.methodSet["GET"] && !r.methodSet["HEAD"] { // GET implies HEAD
		r.methodSet["HEAD"] = true
		allow = append(allow, "HEAD")
	}
	r.allow = strings.Join(allow, ", ")
}

func (r *Rule) allows(method string) bool { return r.methodSet[method] }

// isMatch matches path against r.path on segment boundaries. "/about" matches "/about" and "/about/x", but not "/aboutx".
func (r *Rule) isMatch(path string) bool {
	if !strings.HasPrefix(path, r.path) {
		return path+"/" == r.path
	}
	return len(path) == len(r.path) || r.path[len(r.path)-1] == '/' || path[len(r.path)] == '/'
}

// remainder returns the part of path after r.path.
func (r *Rule) remainder(path string) string {
	if len(path) < len(r.path) {
		return ""
	}
	return path[len(r.path):]
}

// cgiInterpreter finds the first segment of rest which has a CGI extension.
func (r *Rule) cgiInterpreter(rest string) (interpreter string, script string, pathInfo string, ok bool) {
	if len(r.cgis) == 0 {
		return "", "", "", false
	}
	from := 0
	for from <= len(rest) {
		edge := strings.IndexByte(rest[from:], '/')
		if edge < 0 {
			edge = len(rest)
		} else {
			edge += from
		}
		if segment := rest[from:edge]; segment != "" {
			if interpreter, ok := r.cgis[path.Ext(segment)]; ok {
				return interpreter, rest[:edge], rest[edge:], true
			}
		}
		from = edge + 1
	}
	return "", "", "", false
}

// cleanRelative cleans a slash separated relative path. ok is false if it walks above its root.
func cleanRelative(rel string) (cleaned string, ok bool) {
	segments := strings.Split(rel, "/")
	kept := segments[:0]
	for _, segment := range segments {
		switch segment {
		case "", ".":
		case "..":
			if len(kept) == 0 {
				return "", false
			}
			kept = kept[:len(kept)-1]
		default:
			if strings.IndexByte(segment, '\\') >= 0 {
				return "", false
			}
			kept = append(kept, segment)
		}
	}
	return strings.Join(kept, "/"), true
}

const ( // decision kinds
	decideNotFound = iota
	decideForbidden
	decideMethodNotAllowed
	decideReturn
	decideCGI
	decideStatic
)

// decision is the routing result for a request.
type decision struct {
	kind        int8
	rule        *Rule
	fsPath      string // static: file system path. cgi: script file
	interpreter string // cgi
	scriptName  string // cgi: url path of the script
	pathInfo    string // cgi
}

// decide routes req in a. It does no file system access.
func (a *Webapp) decide(req *Request) decision {
	rule := a.findRule(req.path)
	if rule == nil {
		return decision{kind: decideNotFound}
	}
	if !rule.allows(req.method) {
		return decision{kind: decideMethodNotAllowed, rule: rule}
	}
	if rule.returnCode != 0 {
		return decision{kind: decideReturn, rule: rule}
	}
	rest := rule.remainder(req.path)
	if interpreter, script, pathInfo, ok := rule.cgiInterpreter(rest); ok {
		cleaned, ok := cleanRelative(script)
		if !ok {
			return decision{kind: decideForbidden, rule: rule}
		}
		return decision{
			kind:        decideCGI,
			rule:        rule,
			fsPath:      path.Join(rule.webRoot, cleaned),
			interpreter: interpreter,
			scriptName:  req.path[:len(req.path)-len(pathInfo)],
			pathInfo:    pathInfo,
		}
	}
	cleaned, ok := cleanRelative(rest)
	if !ok {
		return decision{kind: decideForbidden, rule: rule}
	}
	return decision{kind: decideStatic, rule: rule, fsPath: path.Join(rule.webRoot, cleaned)}
}

// dispatch handles req and returns the response to send.
func (a *Webapp) dispatch(ctx context.Context, req *Request) *Response {
	begin := time.Now()
	resp := newResponse(req, a.errorPages)
	d := a.decide(req)
	switch d.kind {
	case decideNotFound:
		resp.SendNotFound()
	case decideForbidden:
		resp.SendForbidden()
	case decideMethodNotAllowed:
		resp.SendMethodNotAllowed(d.rule.allow)
	case decideReturn:
		if d.rule.returnURL == "" {
			resp.SendError(d.rule.returnCode)
		} else {
			resp.SendRedirect(d.rule.returnCode, d.rule.returnURL)
		}
	case decideCGI:
		a.stage.cgi.serve(ctx, a, d, req, resp)
	case decideStatic:
		a.stage.static.serve(d, req, resp)
	}
	a.logAccess(req, resp, time.Since(begin))
	return resp
}

func (a *Webapp) logAccess(req *Request, resp *Response, elapsed time.Duration) {
	if a.stage.metrics != nil {
		a.stage.metrics.observeRequest(a.name, resp.status, elapsed)
	}
	if !a.accessLog {
		return
	}
	event := a.logger.Info().
		Str("webapp", a.name).
		Str("method", req.method).
		Str("target", req.target).
		Int16("status", resp.status).
		Int64("size", resp.ContentSize()).
		Dur("elapsed", elapsed)
	if req.remoteAddr != nil {
		event = event.Str("remote", req.remoteAddr.String())
	}
	event.Msg("access")
}
