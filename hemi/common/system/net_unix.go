// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build unix

// Net for Unix-like systems.

package system

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// SetReuseAddr allows a restarted server to bind while old connections linger in TIME_WAIT.
func SetReuseAddr(rawConn syscall.RawConn) (err error) {
	if ctlErr := rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); ctlErr != nil {
		return ctlErr
	}
	return
}
