// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package procman

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hexinfra/webrox/hemi"
	"github.com/stretchr/testify/require"
)

var testOpts = &Opts{
	ProgramName:  "webrox",
	ProgramTitle: "Webrox",
	ConfigFile:   "conf/webrox.yaml",
}

func TestRunActions(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, Run(testOpts, []string{"version"}, &out))
	require.Equal(t, hemi.Version+"\n", out.String())

	out.Reset()
	require.Equal(t, 0, Run(testOpts, []string{"help"}, &out))
	require.Contains(t, out.String(), "Webrox ("+hemi.Version+")")
	require.Contains(t, out.String(), "-config <file>")

	out.Reset()
	require.Equal(t, hemi.CodeUse, Run(testOpts, []string{"dance"}, &out))
	require.Contains(t, out.String(), "ACTION")

	require.Equal(t, hemi.CodeUse, Run(testOpts, []string{"version", "-nosuchflag"}, &out))
}

func TestRunCheck(t *testing.T) {
	var out bytes.Buffer
	require.Equal(t, 0, Run(testOpts, []string{"check", "-config", "../../conf/webrox.yaml"}, &out))
	require.Equal(t, "PASS\n", out.String())

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("servers:\n  - listen: [\"80\"]\n    wrong: true\n"), 0644))
	out.Reset()
	require.Equal(t, hemi.CodeUse, Run(testOpts, []string{"check", "-config", bad}, &out))
	require.False(t, strings.Contains(out.String(), "PASS"))

	require.Equal(t, hemi.CodeUse, Run(testOpts, []string{"check", "-config", filepath.Join(t.TempDir(), "missing.yaml")}, &out))
}

func TestRunServeBindError(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()
	config := filepath.Join(t.TempDir(), "webrox.yaml")
	require.NoError(t, os.WriteFile(config, []byte("logger: {format: noop}\nfileCache: {enabled: false}\nservers:\n  - listen: [\""+taken.Addr().String()+"\"]\n    root: .\n"), 0644))
	var out bytes.Buffer
	require.Equal(t, hemi.CodeEnv, Run(testOpts, []string{"serve", "-config", config}, &out))
}
