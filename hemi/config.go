// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Configuration is written in YAML. It's validated and compiled into an immutable stage.

package hemi

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/goccy/go-yaml"
)

const (
	defaultReadTimeout   = 30 * time.Second
	defaultWriteTimeout  = 30 * time.Second
	defaultIdleTimeout   = 10 * time.Second
	defaultSmallFileSize = 64 << 10
	defaultFcacheEntries = 1000
	defaultFcacheTTL     = 5 * time.Second
)

type stageConfig struct {
	Logger    loggerConfig    `yaml:"logger"`
	Metrics   metricsConfig   `yaml:"metrics"`
	Timeouts  timeoutsConfig  `yaml:"timeouts"`
	FileCache fileCacheConfig `yaml:"fileCache"`
	CGI       cgiConfig       `yaml:"cgi"`
	Servers   []serverConfig  `yaml:"servers"`
}

type loggerConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	Target string `yaml:"target"`
}

type metricsConfig struct {
	Address string `yaml:"address"`
}

type timeoutsConfig struct {
	Read  string `yaml:"read"`
	Write string `yaml:"write"`
	Idle  string `yaml:"idle"`
}

type fileCacheConfig struct {
	Enabled       *bool  `yaml:"enabled"`
	SmallFileSize string `yaml:"smallFileSize"`
	MaxEntries    int    `yaml:"maxEntries"`
	TTL           string `yaml:"ttl"`
}

type cgiConfig struct {
	MaxOutputSize string `yaml:"maxOutputSize"`
}

type serverConfig struct {
	Listen            []string         `yaml:"listen"`
	ServerNames       []string         `yaml:"serverNames"`
	Root              string           `yaml:"root"`
	ClientMaxBodySize string           `yaml:"clientMaxBodySize"`
	ErrorPages        map[int]string   `yaml:"errorPages"`
	AccessLog         *bool            `yaml:"accessLog"`
	Locations         []locationConfig `yaml:"locations"`
}

type locationConfig struct {
	Path              string            `yaml:"path"`
	Root              string            `yaml:"root"`
	Index             []string          `yaml:"index"`
	Methods           []string          `yaml:"methods"`
	Autoindex         bool              `yaml:"autoindex"`
	AutoindexFormat   string            `yaml:"autoindexFormat"`
	ShowHidden        bool              `yaml:"showHidden"`
	Return            *returnConfig     `yaml:"return"`
	CGI               map[string]string `yaml:"cgi"`
	Upload            bool              `yaml:"upload"`
	ClientMaxBodySize string            `yaml:"clientMaxBodySize"` // overrides the server's
}

type returnConfig struct {
	Code int    `yaml:"code"`
	URL  string `yaml:"url"`
}

// configurator compiles config text into a stage.
type configurator struct {
	baseDir string
}

func (c *configurator) stageFromFile(configFile string) (*Stage, error) {
	absFile, err := filepath.Abs(configFile)
	if err != nil {
		return nil, err
	}
	text, err := os.ReadFile(absFile)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return c.stageFromText(filepath.Dir(absFile), string(text))
}

func (c *configurator) stageFromText(baseDir string, configText string) (*Stage, error) {
	absDir, err := filepath.Abs(baseDir)
	if err != nil {
		return nil, err
	}
	c.baseDir = absDir
	var config stageConfig
	if err := yaml.UnmarshalWithOptions([]byte(configText), &config, yaml.Strict()); err != nil {
		return nil, fmt.Errorf("parse config: %s", yaml.FormatError(err, false, true))
	}
	return c.compile(&config)
}

func (c *configurator) compile(config *stageConfig) (*Stage, error) {
	stage := newStage()

	// logger
	logConfig := &LogConfig{Sign: config.Logger.Format, Target: config.Logger.Target, Level: config.Logger.Level}
	if logConfig.Sign == "" {
		logConfig.Sign = "console"
	}
	if !loggerRegistered(logConfig.Sign) {
		return nil, fmt.Errorf("logger: unknown format %q", logConfig.Sign)
	}
	if logConfig.Target != "" && logConfig.Target != "stderr" && logConfig.Target != "stdout" {
		logConfig.Target = c.resolve(logConfig.Target)
	}

	// timeouts
	var err error
	if stage.readTimeout, err = parseDuration(config.Timeouts.Read, defaultReadTimeout); err != nil {
		return nil, fmt.Errorf("timeouts.read: %w", err)
	}
	if stage.writeTimeout, err = parseDuration(config.Timeouts.Write, defaultWriteTimeout); err != nil {
		return nil, fmt.Errorf("timeouts.write: %w", err)
	}
	if stage.idleTimeout, err = parseDuration(config.Timeouts.Idle, defaultIdleTimeout); err != nil {
		return nil, fmt.Errorf("timeouts.idle: %w", err)
	}

	// fileCache
	fileCache := config.FileCache
	cacheEnabled := fileCache.Enabled == nil || *fileCache.Enabled
	smallFileSize, err := parseSize(fileCache.SmallFileSize, defaultSmallFileSize)
	if err != nil {
		return nil, fmt.Errorf("fileCache.smallFileSize: %w", err)
	}
	maxEntries := fileCache.MaxEntries
	if maxEntries < 0 {
		return nil, errors.New("fileCache.maxEntries: must not be negative")
	} else if maxEntries == 0 {
		maxEntries = defaultFcacheEntries
	}
	cacheTTL, err := parseDuration(fileCache.TTL, defaultFcacheTTL)
	if err != nil {
		return nil, fmt.Errorf("fileCache.ttl: %w", err)
	}

	// cgi
	maxOutputSize, err := parseSize(config.CGI.MaxOutputSize, defaultCGIOutputSize)
	if err != nil {
		return nil, fmt.Errorf("cgi.maxOutputSize: %w", err)
	}

	// servers
	if len(config.Servers) == 0 {
		return nil, errors.New("servers: at least one server is required")
	}
	for i := range config.Servers {
		webapp, err := c.compileServer(stage, &config.Servers[i])
		if err != nil {
			return nil, fmt.Errorf("servers[%d]: %w", i, err)
		}
		stage.addWebapp(webapp)
	}

	// metrics
	if address := config.Metrics.Address; address != "" {
		if _, _, err := net.SplitHostPort(address); err != nil {
			return nil, fmt.Errorf("metrics.address: %w", err)
		}
		stage.metricsAddress = address
	}

	if err := stage.prepare(logConfig, cacheEnabled, smallFileSize, maxEntries, cacheTTL, maxOutputSize); err != nil {
		return nil, err
	}
	return stage, nil
}

func (c *configurator) compileServer(stage *Stage, config *serverConfig) (*Webapp, error) {
	webapp := new(Webapp)
	webapp.stage = stage
	if len(config.Listen) == 0 {
		return nil, errors.New("listen: at least one address is required")
	}
	for _, listen := range config.Listen {
		address, err := normalizeListen(listen)
		if err != nil {
			return nil, fmt.Errorf("listen: %w", err)
		}
		webapp.listens = append(webapp.listens, address)
	}
	for _, name := range config.ServerNames {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			return nil, errors.New("serverNames: empty name")
		}
		webapp.hostnames = append(webapp.hostnames, name)
	}
	if len(webapp.hostnames) > 0 {
		webapp.name = webapp.hostnames[0]
	} else {
		webapp.name = webapp.listens[0]
	}
	if config.Root != "" {
		webapp.webRoot = c.resolve(config.Root)
	}
	maxContentSize, err := parseSize(config.ClientMaxBodySize, defaultMaxContentSize)
	if err != nil {
		return nil, fmt.Errorf("clientMaxBodySize: %w", err)
	}
	webapp.maxContentSize = maxContentSize
	webapp.accessLog = config.AccessLog == nil || *config.AccessLog

	if len(config.ErrorPages) > 0 {
		webapp.errorPages = make(map[int16][]byte, len(config.ErrorPages))
		for code, file := range config.ErrorPages {
			if code < 300 || code > 599 {
				return nil, fmt.Errorf("errorPages: invalid status %d", code)
			}
			page, err := os.ReadFile(c.resolve(file))
			if err != nil {
				return nil, fmt.Errorf("errorPages: %w", err)
			}
			webapp.errorPages[int16(code)] = page
		}
	}

	seen := make(map[string]bool)
	for i := range config.Locations {
		rule, err := c.compileLocation(webapp, &config.Locations[i])
		if err != nil {
			return nil, fmt.Errorf("locations[%d]: %w", i, err)
		}
		if seen[rule.path] {
			return nil, fmt.Errorf("locations[%d]: duplicate path %q", i, rule.path)
		}
		seen[rule.path] = true
		webapp.rules = append(webapp.rules, rule)
	}
	if !seen["/"] && webapp.webRoot != "" { // serve the root of the webapp by default
		rule := &Rule{webapp: webapp, path: "/", webRoot: webapp.webRoot, indexFiles: []string{"index.html"}, autoIndexFormat: "html"}
		rule.setMethods([]string{"GET"})
		webapp.rules = append(webapp.rules, rule)
	}
	webapp.sortRules()
	return webapp, nil
}

func (c *configurator) compileLocation(webapp *Webapp, config *locationConfig) (*Rule, error) {
	rule := &Rule{webapp: webapp}
	rule.path = config.Path
	if rule.path == "" || rule.path[0] != '/' {
		return nil, fmt.Errorf("path: %q must start with '/'", rule.path)
	}
	if _, ok := cleanRelative(rule.path); !ok {
		return nil, fmt.Errorf("path: %q is invalid", rule.path)
	}

	methods := config.Methods
	if len(methods) == 0 {
		methods = []string{"GET"}
	}
	for i, method := range methods {
		if !isToken(method) {
			return nil, fmt.Errorf("methods: %q is not a token", method)
		}
		methods[i] = strings.ToUpper(method)
	}
	rule.setMethods(methods)

	if config.Return != nil {
		code, url := config.Return.Code, config.Return.URL
		if code == 0 {
			code = int(StatusMovedPermanently)
		}
		switch {
		case code == 301 || code == 302 || code == 303 || code == 307 || code == 308:
			if url == "" {
				return nil, fmt.Errorf("return: redirect %d requires url", code)
			}
		case code >= 200 && code <= 599:
			if url != "" {
				return nil, fmt.Errorf("return: status %d does not take url", code)
			}
		default:
			return nil, fmt.Errorf("return: invalid status %d", code)
		}
		rule.returnCode, rule.returnURL = int16(code), url
	}

	switch {
	case config.Root != "":
		rule.webRoot = c.resolve(config.Root)
	case webapp.webRoot != "":
		rule.webRoot = webapp.webRoot
	case rule.returnCode == 0:
		return nil, errors.New("root: no root for this location or its server")
	}

	maxContentSize, err := parseSize(config.ClientMaxBodySize, 0)
	if err != nil {
		return nil, fmt.Errorf("clientMaxBodySize: %w", err)
	}
	rule.maxContentSize = maxContentSize

	rule.indexFiles = config.Index
	if rule.indexFiles == nil {
		rule.indexFiles = []string{"index.html"}
	}
	for _, index := range rule.indexFiles {
		if index == "" || strings.ContainsAny(index, `/\`) {
			return nil, fmt.Errorf("index: %q is invalid", index)
		}
	}
	rule.autoIndex = config.Autoindex
	switch config.AutoindexFormat {
	case "", "html":
		rule.autoIndexFormat = "html"
	case "json":
		rule.autoIndexFormat = "json"
	default:
		return nil, fmt.Errorf("autoindexFormat: %q is not html or json", config.AutoindexFormat)
	}
	rule.showHidden = config.ShowHidden
	rule.upload = config.Upload

	if len(config.CGI) > 0 {
		rule.cgis = make(map[string]string, len(config.CGI))
		for ext, interpreter := range config.CGI {
			if len(ext) < 2 || ext[0] != '.' || strings.IndexByte(ext[1:], '.') >= 0 || strings.IndexByte(ext, '/') >= 0 {
				return nil, fmt.Errorf("cgi: extension %q is invalid", ext)
			}
			if interpreter == "" {
				return nil, fmt.Errorf("cgi: no interpreter for %q", ext)
			}
			rule.cgis[strings.ToLower(ext)] = interpreter
		}
	}
	return rule, nil
}

// resolve makes file relative to the base directory.
func (c *configurator) resolve(file string) string {
	if !filepath.IsAbs(file) {
		file = filepath.Join(c.baseDir, file)
	}
	return filepath.Clean(file)
}

// normalizeListen accepts "8080", ":8080", "host:8080" and returns "host:port".
func normalizeListen(listen string) (string, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return "", errors.New("empty address")
	}
	if strings.IndexByte(listen, ':') < 0 {
		listen = ":" + listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", err
	}
	number, err := strconv.Atoi(port)
	if err != nil || number < 0 || number > 65535 {
		return "", fmt.Errorf("invalid port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}

func parseDuration(text string, defaultValue time.Duration) (time.Duration, error) {
	if text == "" {
		return defaultValue, nil
	}
	duration, err := time.ParseDuration(text)
	if err != nil {
		return 0, err
	}
	if duration <= 0 {
		return 0, errors.New("must be positive")
	}
	return duration, nil
}

// parseSize parses sizes like "1M", "64KiB", "1048576".
func parseSize(text string, defaultValue int64) (int64, error) {
	if text == "" {
		return defaultValue, nil
	}
	size, err := humanize.ParseBytes(text)
	if err != nil {
		return 0, err
	}
	if size == 0 || size > 1<<40 {
		return 0, fmt.Errorf("size %q out of range", text)
	}
	return int64(size), nil
}
