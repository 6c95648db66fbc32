package raft

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/hashicorp/raft"
)

// newTCPTransport creates a Raft TCP transport.
func newTCPTransport(bindAddr, advertiseAddr string, logOutput io.Writer) (*raft.NetworkTransport, error) {
	bind, err := net.ResolveTCPAddr("tcp", bindAddr)
	if err != nil {
		return nil, err
	}

	advertise, err := resolveAdvertiseAddr(bind, advertiseAddr)
	if err != nil {
		return nil, err
	}

	return raft.NewTCPTransport(bind.String(), advertise, 4, 10*time.Second, logOutput)
}

// Raft cannot advertise wildcard addresses, so an unspecified bind host
// advertises loopback unless overridden.
func resolveAdvertiseAddr(bind *net.TCPAddr, advertiseAddr string) (*net.TCPAddr, error) {
	if advertiseAddr != "" {
		return net.ResolveTCPAddr("tcp", advertiseAddr)
	}
	if bind == nil {
		return nil, fmt.Errorf("invalid raft bind address")
	}
	if bind.IP == nil || bind.IP.IsUnspecified() {
		return &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: bind.Port}, nil
	}
	return bind, nil
}

// connectInmem fully meshes in-memory transports.
func connectInmem(transports []*raft.InmemTransport) {
	for _, a := range transports {
		for _, b := range transports {
			if a != b {
				a.Connect(b.LocalAddr(), b)
			}
		}
	}
}
