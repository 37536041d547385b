// Copyright (c) 2022 Rocky Yang
// Copyright (c) 2020 Andy Pan
// Copyright (c) 2017 Max Riveiro
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

//go:build linux

package sockets

import (
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func tcpListeners(port, backlog int) ([]Listener, error) {
	fd6, err := tcpListener(unix.AF_INET6, port, backlog)
	if err != nil {
		return nil, err
	}
	lns := []Listener{{Fd: fd6, Label: fmt.Sprintf("[::]:%d", port)}}

	fd4, err := tcpListener(unix.AF_INET, port, backlog)
	if err != nil {
		unix.Close(fd6)
		return nil, err
	}
	return append(lns, Listener{Fd: fd4, Label: fmt.Sprintf("0.0.0.0:%d", port)}), nil
}

func tcpListener(family, port, backlog int) (int, error) {
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}
	if family == unix.AF_INET6 {
		if err := unix.SetsockoptInt(fd, unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
			unix.Close(fd)
			return -1, errors.Wrap(err, "setsockopt(IPV6_V6ONLY)")
		}
	}
	if err := SetReuseAddr(fd); err != nil {
		unix.Close(fd)
		return -1, err
	}
	var sa unix.Sockaddr
	if family == unix.AF_INET6 {
		sa = &unix.SockaddrInet6{Port: port}
	} else {
		sa = &unix.SockaddrInet4{Port: port}
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind port %d", port)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, errors.Wrap(err, "listen")
	}
	return fd, nil
}
