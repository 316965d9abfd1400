package main

// kissDevice is a minimal KISS-over-TCP client. It exists here, outside
// internal/, only so `tarpnd` is a runnable binary; it is a stand-in for
// real TNC hardware drivers, not part of the protocol core.

import (
	"bufio"
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/tarpn-go/tarpnd/internal/ax25"
)

const (
	kissFEND  = 0xC0
	kissFESC  = 0xDB
	kissTFEND = 0xDC
	kissTFESC = 0xDD
)

// kissDevice bridges one AX.25 port to a TCP KISS TNC (or KISS-over-TCP
// peer such as direwolf's AGW/KISS listener).
type kissDevice struct {
	port int
	addr string
	log  *log.Logger

	mu   sync.Mutex
	conn net.Conn
}

func newKISSDevice(port int, addr string) *kissDevice {
	return &kissDevice{port: port, addr: addr, log: log.With("component", "kissdevice", "port", port, "addr", addr)}
}

// dial connects to the TNC; call before starting the read/write loops.
func (d *kissDevice) dial() error {
	conn, err := net.Dial("tcp", d.addr)
	if err != nil {
		return fmt.Errorf("kissdevice: dial %s: %w", d.addr, err)
	}
	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()
	return nil
}

// readLoop decodes KISS frames from the TNC and hands each one's AX.25
// payload to mgr's inbound pipeline, until the connection closes or stop
// fires.
func (d *kissDevice) readLoop(mgr *ax25.Manager, stop <-chan struct{}) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}
	go func() {
		<-stop
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	var frame []byte
	inFrame := false
	escaped := false
	for {
		b, err := r.ReadByte()
		if err != nil {
			d.log.Warn("connection closed", "err", err)
			return
		}
		switch {
		case b == kissFEND:
			if inFrame && len(frame) > 1 {
				// first byte is the port/command nibble, not AX.25 payload
				mgr.HandleInbound(frame[1:])
			}
			frame = nil
			inFrame = true
			escaped = false
		case !inFrame:
			continue
		case escaped:
			switch b {
			case kissTFEND:
				frame = append(frame, kissFEND)
			case kissTFESC:
				frame = append(frame, kissFESC)
			}
			escaped = false
		case b == kissFESC:
			escaped = true
		default:
			frame = append(frame, b)
		}
	}
}

// writeLoop drains mgr's outbound frame channel and writes each one
// KISS-encoded (command nibble 0: data frame) to the TNC.
func (d *kissDevice) writeLoop(out <-chan ax25.OutboundFrame, stop <-chan struct{}) {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()
	if conn == nil {
		return
	}
	for {
		select {
		case <-stop:
			return
		case f, ok := <-out:
			if !ok {
				return
			}
			if _, err := conn.Write(encodeKISS(byte(f.Port)<<4, f.Data)); err != nil {
				d.log.Warn("write failed", "err", err)
				return
			}
		}
	}
}

func encodeKISS(cmd byte, data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, kissFEND, cmd)
	for _, b := range data {
		switch b {
		case kissFEND:
			out = append(out, kissFESC, kissTFEND)
		case kissFESC:
			out = append(out, kissFESC, kissTFESC)
		default:
			out = append(out, b)
		}
	}
	out = append(out, kissFEND)
	return out
}
