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

// Package sockets creates the descriptors the proxy engine multiplexes:
// passive TCP sockets, one per address family, and the local
// sequenced-packet endpoints of the handoff channel. Everything is
// returned as a raw fd; ownership passes to the caller.
package sockets

// Listener is a bound, listening descriptor plus its printable bind
// address for diagnostics.
type Listener struct {
	Fd    int
	Label string
}

// TCPListeners opens the dual-stack wildcard pair on port: an IPv6
// socket with IPV6_V6ONLY set so the IPv4 one can coexist, then plain
// IPv4. SO_REUSEADDR is set on both.
func TCPListeners(port, backlog int) ([]Listener, error) {
	return tcpListeners(port, backlog)
}

// CtrlListen binds a sequenced-packet socket at path and listens with
// backlog 1.
func CtrlListen(path string) (int, error) {
	return ctrlListen(path)
}

// CtrlConnect dials a running instance's handoff endpoint at path. The
// error is returned unwrapped so callers can arbitrate on the raw
// errno (ECONNREFUSED means a stale path, ENOENT an absent one).
func CtrlConnect(path string) (int, error) {
	return ctrlConnect(path)
}
