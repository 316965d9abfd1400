package main

import (
	"github.com/tarpn-go/tarpnd/internal/ax25"
	"github.com/tarpn-go/tarpnd/internal/monitor"
	"github.com/tarpn-go/tarpnd/internal/netrom"
)

// statusSource adapts this binary's live managers and network to
// monitor.StatusSource.
type statusSource struct {
	managers map[int]*ax25.Manager
	net      *netrom.Network
}

func (s statusSource) Ports() []monitor.PortInfo {
	ports := make([]monitor.PortInfo, 0, len(s.managers))
	for port, mgr := range s.managers {
		ports = append(ports, monitor.PortInfo{Port: port, LinkCall: mgr.LinkCall.String()})
	}
	return ports
}

func (s statusSource) Connections() []monitor.ConnectionInfo {
	var conns []monitor.ConnectionInfo
	for _, mgr := range s.managers {
		for _, c := range mgr.Connections() {
			conns = append(conns, monitor.ConnectionInfo{
				Port:   c.Port,
				Local:  c.Local.String(),
				Remote: c.Remote.String(),
				State:  c.State().String(),
			})
		}
	}
	return conns
}

func (s statusSource) RoutingTable() string {
	return s.net.RoutingSnapshot()
}
