// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Logger tests.

package hemi

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"
)

func TestCreateLogger(t *testing.T) {
	for _, sign := range []string{"noop", "json", "console"} {
		require.True(t, loggerRegistered(sign), sign)
	}
	require.False(t, loggerRegistered("xml"))

	_, _, err := createLogger(&LogConfig{Sign: "xml"})
	require.ErrorIs(t, err, errUnknownLogger)
	_, _, err = createLogger(&LogConfig{Sign: "json", Level: "chatty"})
	require.Error(t, err)

	file := filepath.Join(t.TempDir(), "out.log")
	logger, closer, err := createLogger(&LogConfig{Sign: "json", Target: file, Level: "warn"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	logger.Info().Msg("dropped")
	logger.Warn().Str("key", "value").Msg("kept")
	require.NoError(t, closer.Close())

	text, err := os.ReadFile(file)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(text)), "\n")
	require.Len(t, lines, 1)
	var event map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &event))
	require.Equal(t, "warn", event["level"])
	require.Equal(t, "kept", event["message"])
	require.Equal(t, "value", event["key"])
	require.Contains(t, event, "time")
}

func TestAccessLog(t *testing.T) {
	baseDir := t.TempDir()
	writeFile(t, baseDir, "www/index.html", "hi")
	stage := newTestStage(t, baseDir, `
logger: {format: json, target: access.log}
fileCache: {enabled: false}
servers:
  - listen: ["127.0.0.1:0"]
    serverNames: [logged.test]
    root: www
  - listen: ["127.0.0.1:0"]
    serverNames: [quiet.test]
    root: www
    accessLog: false
`)
	webapps := stage.Webapps()
	webapps[0].dispatch(testContext(t), testRequest(t, "GET /index.html?x=1 HTTP/1.1\r\nHost: logged.test\r\n\r\n"))
	webapps[1].dispatch(testContext(t), testRequest(t, "GET /nothing HTTP/1.1\r\nHost: quiet.test\r\n\r\n"))
	require.NoError(t, stage.Shutdown(context.Background()))

	text, err := os.ReadFile(filepath.Join(baseDir, "access.log"))
	require.NoError(t, err)
	var access []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(text)), "\n") {
		var event map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		if event["message"] == "access" {
			access = append(access, event)
		}
	}
	require.Len(t, access, 1)
	require.Equal(t, "logged.test", access[0]["webapp"])
	require.Equal(t, "GET", access[0]["method"])
	require.Equal(t, "/index.html?x=1", access[0]["target"])
	require.Equal(t, float64(200), access[0]["status"])
	require.Equal(t, float64(2), access[0]["size"])
}
