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
// +build linux

// Package socket provides non-blocking stream sockets: listeners created with the requested
// socket options, accepted connections, and the read/vectored-write primitives used on them.
package socket

import (
	"net"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

type NetAddressType string

const (
	Tcp  NetAddressType = "tcp"
	Tcp4 NetAddressType = "tcp4"
	Tcp6 NetAddressType = "tcp6"
)

// Option is used for setting an option on socket.
type Option struct {
	SetSockOpt func(int, int) error
	Opt        int
}

// TCPSocketOpt is the type of TCP socket options.
type TCPSocketOpt int

// Available TCP socket options.
const (
	TCPNoDelay TCPSocketOpt = iota
	TCPDelay
)

// SocketOptions are configurations for listener creation.
type SocketOptions struct {
	// ReuseAddr indicates whether to set up the SO_REUSEADDR socket option.
	ReuseAddr bool

	// ReusePort indicates whether to set up the SO_REUSEPORT socket option. Every event-loop
	// that binds the same address needs it.
	ReusePort bool

	// TCPNoDelay controls whether the operating system should delay
	// packet transmission in hopes of sending fewer packets (Nagle's algorithm).
	//
	// The default is true (no delay), meaning that data is sent
	// as soon as possible after a write operation.
	TCPNoDelay TCPSocketOpt

	// SocketRecvBuffer sets the maximum socket receive buffer in bytes.
	SocketRecvBuffer int

	// SocketSendBuffer sets the maximum socket send buffer in bytes.
	SocketSendBuffer int
}

func SetOptions(network string, options SocketOptions) []Option {
	var sockOpts []Option
	if options.ReusePort {
		sockOpt := Option{SetSockOpt: SetReuseport, Opt: 1}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.ReuseAddr {
		sockOpt := Option{SetSockOpt: SetReuseAddr, Opt: 1}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.TCPNoDelay == TCPNoDelay && strings.HasPrefix(network, "tcp") {
		sockOpt := Option{SetSockOpt: SetNoDelay, Opt: 1}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.SocketRecvBuffer > 0 {
		sockOpt := Option{SetSockOpt: SetRecvBuffer, Opt: options.SocketRecvBuffer}
		sockOpts = append(sockOpts, sockOpt)
	}
	if options.SocketSendBuffer > 0 {
		sockOpt := Option{SetSockOpt: SetSendBuffer, Opt: options.SocketSendBuffer}
		sockOpts = append(sockOpts, sockOpt)
	}
	return sockOpts
}

// TCPSocket creates a non-blocking TCP socket for addr. With passive set the socket is bound
// and listening, otherwise it is connected.
func TCPSocket(proto, addr string, passive bool, sockOpts ...Option) (int, net.Addr, error) {
	tcpAddr, err := net.ResolveTCPAddr(proto, addr)
	if err != nil {
		return -1, nil, errors.Wrapf(err, "resolve %s address %s", proto, addr)
	}

	family, sa, err := tcpSockaddr(proto, tcpAddr)
	if err != nil {
		return -1, nil, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, nil, errors.Wrap(err, "socket")
	}

	for _, opt := range sockOpts {
		if err = opt.SetSockOpt(fd, opt.Opt); err != nil {
			_ = unix.Close(fd)
			return -1, nil, errors.Wrapf(err, "setsockopt on fd %d", fd)
		}
	}

	if passive {
		if err = unix.Bind(fd, sa); err != nil {
			_ = unix.Close(fd)
			return -1, nil, errors.Wrapf(err, "bind %s", addr)
		}
		if err = unix.Listen(fd, unix.SOMAXCONN); err != nil {
			_ = unix.Close(fd)
			return -1, nil, errors.Wrapf(err, "listen on %s", addr)
		}
		bound, err := unix.Getsockname(fd)
		if err != nil {
			_ = unix.Close(fd)
			return -1, nil, errors.Wrap(err, "getsockname")
		}
		return fd, SockaddrToTCPAddr(bound), nil
	}

	if err = unix.Connect(fd, sa); err != nil && err != unix.EINPROGRESS {
		_ = unix.Close(fd)
		return -1, nil, errors.Wrapf(err, "connect %s", addr)
	}
	return fd, tcpAddr, nil
}

func tcpSockaddr(proto string, addr *net.TCPAddr) (int, unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	switch {
	case proto == string(Tcp6):
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return unix.AF_INET6, sa, nil
	case len(addr.IP) == 0 || ip4 != nil:
		if proto == string(Tcp) && len(addr.IP) == 0 {
			return unix.AF_INET6, &unix.SockaddrInet6{Port: addr.Port}, nil
		}
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa, nil
	case proto == string(Tcp4):
		return 0, nil, errors.Errorf("address %s is not an IPv4 address", addr)
	default:
		sa := &unix.SockaddrInet6{Port: addr.Port}
		copy(sa.Addr[:], addr.IP.To16())
		return unix.AF_INET6, sa, nil
	}
}

// SockaddrToTCPAddr converts a unix.Sockaddr to a *net.TCPAddr, or returns nil.
func SockaddrToTCPAddr(sa unix.Sockaddr) net.Addr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	}
	return nil
}

// Accept takes one pending connection from a listening socket. The new socket is
// non-blocking. unix.EAGAIN means the backlog is empty.
func Accept(fd int) (int, net.Addr, error) {
	for {
		nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return -1, nil, err
		}
		return nfd, SockaddrToTCPAddr(sa), nil
	}
}
