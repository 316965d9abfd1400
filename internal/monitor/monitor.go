// Package monitor exposes a read-only, line-oriented TCP status socket:
// bound ports, the routing table, and active AX.25 connections. It never
// accepts control commands, only reports state.
package monitor

import (
	"bufio"
	"fmt"
	"net"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
)

// PortInfo describes one bound AX.25 port for the "ports" command.
type PortInfo struct {
	Port     int
	LinkCall string
}

// ConnectionInfo describes one AX.25 connection for the "conns" command.
type ConnectionInfo struct {
	Port   int
	Local  string
	Remote string
	State  string
}

// StatusSource is what the monitor server queries to answer commands; a
// thin read-only facade so this package never imports internal/ax25 or
// internal/netrom directly (those own the real data and are free to
// change shape without this package caring).
type StatusSource interface {
	Ports() []PortInfo
	Connections() []ConnectionInfo
	RoutingTable() string
}

// Server is the read-only status socket.
type Server struct {
	addr   string
	source StatusSource
	log    *log.Logger

	mu       sync.Mutex
	listener net.Listener
}

// New constructs a Server bound to addr (e.g. "127.0.0.1:8001") once Serve
// is called.
func New(addr string, source StatusSource) *Server {
	return &Server{addr: addr, source: source, log: log.With("component", "monitor")}
}

// Serve accepts connections until the listener is closed by Stop, handling
// each client on its own goroutine. It blocks, so call it from its own
// goroutine.
func (s *Server) Serve() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return nil // listener closed by Stop
		}
		go s.handle(conn)
	}
}

// Stop closes the listener, ending Serve's accept loop.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

// handle services one client connection: read a command line, write the
// reply, repeat until the client disconnects.
func (s *Server) handle(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.ToLower(strings.TrimSpace(scanner.Text()))
		switch cmd {
		case "ports":
			for _, p := range s.source.Ports() {
				fmt.Fprintf(conn, "port %d %s\n", p.Port, p.LinkCall)
			}
		case "conns":
			for _, c := range s.source.Connections() {
				fmt.Fprintf(conn, "conn port=%d local=%s remote=%s state=%s\n", c.Port, c.Local, c.Remote, c.State)
			}
		case "routes":
			fmt.Fprint(conn, s.source.RoutingTable())
		case "quit", "exit":
			return
		default:
			fmt.Fprintf(conn, "unknown command %q; try ports, conns, routes\n", cmd)
			continue
		}
		fmt.Fprintln(conn, "ok")
	}
}
