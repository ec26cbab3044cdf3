// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Webrox server.

package main

import (
	"github.com/hexinfra/webrox/hemi/procman"
)

func main() {
	procman.Main(&procman.Opts{
		ProgramName:  "webrox",
		ProgramTitle: "Webrox",
		DebugLevel:   0,
		ConfigFile:   "conf/webrox.yaml",
	})
}
