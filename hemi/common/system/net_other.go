// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build !unix

// Net for other systems.

package system

import (
	"syscall"
)

func SetReuseAddr(rawConn syscall.RawConn) (err error) {
	return
}
