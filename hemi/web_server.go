// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// HTTP server gates. A gate listens on one address and serves the webapps bound to it.

package hemi

import (
	"context"
	"errors"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/hexinfra/webrox/hemi/common/system"
	"github.com/rs/zerolog"
)

// httpxGate is a listener of HTTP/1.x connections.
type httpxGate struct {
	// Assocs
	stage    *Stage
	logger   zerolog.Logger
	webapps  []*Webapp // bound to this gate, in config order. the first one is the default
	listener net.Listener
	// States
	address    string             // as configured, "host:port"
	exactApps  map[string]*Webapp // hostname -> webapp
	suffixApps []hostnameMatch    // "*.example.com"
	prefixApps []hostnameMatch    // "www.example.*"
	nextConnID atomic.Int64       // ...
	shut       atomic.Bool        // is gate shut?
	connsLock  sync.Mutex         // protects conns below
	conns      map[*server1Conn]struct{}
	subConns   sync.WaitGroup // conns of this gate
}

type hostnameMatch struct {
	pattern string // without '*'
	webapp  *Webapp
}

func newHTTPXGate(stage *Stage, address string) *httpxGate {
	g := new(httpxGate)
	g.stage = stage
	g.address = address
	g.exactApps = make(map[string]*Webapp)
	g.conns = make(map[*server1Conn]struct{})
	return g
}

func (g *httpxGate) addWebapp(webapp *Webapp) {
	g.webapps = append(g.webapps, webapp)
	for _, hostname := range webapp.hostnames {
		switch {
		case strings.HasPrefix(hostname, "*."):
			g.suffixApps = append(g.suffixApps, hostnameMatch{hostname[1:], webapp})
		case strings.HasSuffix(hostname, ".*"):
			g.prefixApps = append(g.prefixApps, hostnameMatch{hostname[:len(hostname)-1], webapp})
		default:
			if _, ok := g.exactApps[hostname]; !ok { // the first webapp declaring a hostname wins
				g.exactApps[hostname] = webapp
			}
		}
	}
}

func (g *httpxGate) prepare() {
	g.logger = g.stage.logger.With().Str("gate", g.address).Logger()
}

// findWebapp finds the webapp for hostname. Exact names win over wildcards. Falls back to the first webapp.
func (g *httpxGate) findWebapp(hostname string) *Webapp {
	if webapp, ok := g.exactApps[hostname]; ok {
		return webapp
	}
	for _, match := range g.suffixApps { // *.example.com
		if strings.HasSuffix(hostname, match.pattern) {
			return match.webapp
		}
	}
	for _, match := range g.prefixApps { // www.example.*
		if strings.HasPrefix(hostname, match.pattern) {
			return match.webapp
		}
	}
	return g.webapps[0]
}

func (g *httpxGate) defaultWebapp() *Webapp { return g.webapps[0] }

func (g *httpxGate) Open() error {
	listenConfig := new(net.ListenConfig)
	listenConfig.Control = func(network string, address string, rawConn syscall.RawConn) error {
		return system.SetReuseAddr(rawConn)
	}
	listener, err := listenConfig.Listen(context.Background(), "tcp", g.address)
	if err != nil {
		return err
	}
	g.listener = listener
	return nil
}

func (g *httpxGate) Shut() error {
	g.shut.Store(true)
	if g.listener != nil {
		return g.listener.Close() // breaks serve()
	}
	return nil
}
func (g *httpxGate) IsShut() bool { return g.shut.Load() }

func (g *httpxGate) serve() error { // runner
	var tempDelay time.Duration
	for {
		netConn, err := g.listener.Accept()
		if err != nil {
			if g.IsShut() {
				break
			}
			var netErr net.Error
			if (errors.As(err, &netErr) && netErr.Timeout()) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else if tempDelay *= 2; tempDelay > time.Second {
					tempDelay = time.Second
				}
				g.logger.Warn().Err(err).Dur("retry", tempDelay).Msg("accept error")
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0
		conn := newServer1Conn(g.nextConnID.Add(1), g, netConn)
		if !g.addConn(conn) { // gate was shut in between
			netConn.Close()
			continue
		}
		go conn.manager() // conn is removed from gate in manager()
	}
	g.logger.Debug().Msg("gate done")
	return nil
}

func (g *httpxGate) addConn(conn *server1Conn) bool {
	g.connsLock.Lock()
	defer g.connsLock.Unlock()
	if g.IsShut() {
		return false
	}
	g.conns[conn] = struct{}{}
	g.subConns.Add(1)
	if metrics := g.stage.metrics; metrics != nil {
		metrics.connOpened()
	}
	return true
}
func (g *httpxGate) delConn(conn *server1Conn) {
	g.connsLock.Lock()
	delete(g.conns, conn)
	g.connsLock.Unlock()
	if metrics := g.stage.metrics; metrics != nil {
		metrics.connClosed()
	}
	g.subConns.Done()
}

func (g *httpxGate) numConns() int {
	g.connsLock.Lock()
	defer g.connsLock.Unlock()
	return len(g.conns)
}

// closeIdle wakes up connections waiting for their next request so they can see the gate is shut.
func (g *httpxGate) closeIdle() {
	g.connsLock.Lock()
	defer g.connsLock.Unlock()
	for conn := range g.conns {
		if conn.idle.Load() {
			conn.netConn.SetReadDeadline(time.Now())
		}
	}
}

// closeConns closes all connections, busy or not.
func (g *httpxGate) closeConns() {
	g.connsLock.Lock()
	defer g.connsLock.Unlock()
	for conn := range g.conns {
		conn.netConn.Close()
	}
}

func (g *httpxGate) waitConns() { g.subConns.Wait() }
