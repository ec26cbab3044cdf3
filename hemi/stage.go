// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Stage represents a running configuration: its webapps, gates and shared fixtures.

package hemi

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Stage is built from config and is read-only after that, except for its runtime states.
type Stage struct {
	// Assocs
	logger        zerolog.Logger
	logCloser     io.Closer // may be nil
	webapps       []*Webapp
	gates         []*httpxGate // one per distinct listen address, in config order
	fcache        *fcache      // may be nil
	static        *staticHandlet
	cgi           *cgiGateway
	metrics       *stageMetrics
	metricsServer *metricsServer // may be nil
	// States
	limits         SizeLimits
	readTimeout    time.Duration // max time to receive a whole request once it's begun
	writeTimeout   time.Duration // max time to write a response
	idleTimeout    time.Duration // max time to wait for the next request on a persistent connection
	metricsAddress string
	ctx            context.Context
	cancel         context.CancelFunc
	group          *errgroup.Group
	started        atomic.Bool
	shut           atomic.Bool
}

func newStage() *Stage {
	s := new(Stage)
	s.logger = zerolog.Nop()
	s.limits = DefaultSizeLimits
	s.metrics = newStageMetrics()
	return s
}

func (s *Stage) addWebapp(webapp *Webapp) {
	s.webapps = append(s.webapps, webapp)
	for _, address := range webapp.listens {
		gate := s.gateOf(address)
		if gate == nil {
			gate = newHTTPXGate(s, address)
			s.gates = append(s.gates, gate)
		}
		gate.addWebapp(webapp)
	}
}

func (s *Stage) gateOf(address string) *httpxGate {
	for _, gate := range s.gates {
		if gate.address == address {
			return gate
		}
	}
	return nil
}

// prepare creates the logger and shared fixtures once all webapps are known.
func (s *Stage) prepare(logConfig *LogConfig, cacheEnabled bool, smallFileSize int64, maxEntries int, cacheTTL time.Duration, maxOutputSize int64) error {
	logger, closer, err := createLogger(logConfig)
	if err != nil {
		return err
	}
	s.logger, s.logCloser = logger, closer
	for _, webapp := range s.webapps {
		webapp.logger = logger
	}
	if cacheEnabled {
		s.fcache = newFcache(smallFileSize, maxEntries, cacheTTL, logger)
	}
	s.static = newStaticHandlet(s.fcache, logger)
	s.cgi = newCGIGateway(maxOutputSize, logger, s.metrics)
	if s.metricsAddress != "" {
		s.metricsServer = newMetricsServer(s.metricsAddress, s.metrics, logger)
	}
	for _, gate := range s.gates {
		gate.prepare()
	}
	return nil
}

func (s *Stage) Logger() zerolog.Logger { return s.logger }
func (s *Stage) Webapps() []*Webapp     { return s.webapps }

// Addr returns the bound address of a configured listen address, or nil if it's not listening.
func (s *Stage) Addr(listen string) net.Addr {
	address, err := normalizeListen(listen)
	if err != nil {
		return nil
	}
	if gate := s.gateOf(address); gate != nil && gate.listener != nil {
		return gate.listener.Addr()
	}
	return nil
}

// MetricsAddr returns the bound address of the metrics listener, or nil.
func (s *Stage) MetricsAddr() net.Addr {
	if s.metricsServer == nil || s.metricsServer.listener == nil {
		return nil
	}
	return s.metricsServer.listener.Addr()
}

var errStageStarted = errors.New("stage already started")

// Start binds every listen address and serves them in the background. Binding errors are returned here.
func (s *Stage) Start() error {
	if !s.started.CompareAndSwap(false, true) {
		return errStageStarted
	}
	for _, gate := range s.gates {
		if err := gate.Open(); err != nil {
			s.closeGates()
			return err
		}
		s.logger.Info().Str("address", gate.listener.Addr().String()).Int("webapps", len(gate.webapps)).Msg("gate listening")
	}
	if s.metricsServer != nil {
		if err := s.metricsServer.listen(); err != nil {
			s.closeGates()
			return err
		}
	}

	// Requests run under s.ctx, which only Shutdown cancels. Runners run under the group's context.
	s.ctx, s.cancel = context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(s.ctx)
	s.group = group
	for _, gate := range s.gates {
		group.Go(gate.serve)
	}
	if s.fcache != nil {
		group.Go(func() error {
			s.fcache.run(groupCtx)
			return nil
		})
	}
	if s.metricsServer != nil {
		group.Go(s.metricsServer.serve)
	}
	group.Go(func() error { // a failing runner stops the others, so Wait returns
		<-groupCtx.Done()
		s.closeGates()
		if s.metricsServer != nil {
			s.metricsServer.close()
		}
		return nil
	})
	return nil
}

func (s *Stage) closeGates() {
	for _, gate := range s.gates {
		gate.Shut()
	}
}

// Wait blocks until all runners of the stage exit.
func (s *Stage) Wait() error {
	if s.group == nil {
		return nil
	}
	return s.group.Wait()
}

// Shutdown stops accepting, lets in-flight requests finish until ctx is done, then closes remaining connections.
func (s *Stage) Shutdown(ctx context.Context) error {
	if !s.shut.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info().Msg("stage shutting down")
	for _, gate := range s.gates {
		gate.Shut()
		gate.closeIdle()
	}
	if s.metricsServer != nil {
		s.metricsServer.shutdown(ctx)
	}

	done := make(chan struct{})
	go func() {
		for _, gate := range s.gates {
			gate.waitConns()
		}
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		for _, gate := range s.gates {
			gate.closeConns() // cgi processes of these connections are killed as their contexts are canceled
		}
		<-done
	}

	if s.cancel != nil {
		s.cancel()
	}
	if waitErr := s.Wait(); err == nil {
		err = waitErr
	}
	if s.fcache != nil {
		s.fcache.close()
	}
	s.logger.Info().Msg("stage shut")
	if s.logCloser != nil {
		s.logCloser.Close()
	}
	return err
}
