package ax25

import "github.com/tarpn-go/tarpnd/internal/callsign"

// Context is handed to a bound Application on every upcall. Its writer and
// closer are two ordinary functions that post events back into the owning
// connection's event queue, with no captured mutable state beyond what the
// connection already owns.
type Context struct {
	Remote callsign.Call
	write  func([]byte)
	close  func()
}

func newContext(remote callsign.Call, write func([]byte), closeFn func()) *Context {
	return &Context{Remote: remote, write: write, close: closeFn}
}

// Write sends data as a DL_DATA request on the connection this Context
// belongs to.
func (c *Context) Write(data []byte) { c.write(data) }

// Close requests disconnection of the connection this Context belongs to.
func (c *Context) Close() { c.close() }

// Application is the L2 application contract: callbacks bound to a
// data-link manager's default application.
type Application interface {
	OnConnect(ctx *Context)
	OnDisconnect(ctx *Context)
	OnError(ctx *Context, message string)
	Read(ctx *Context, data []byte)
}

// NopApplication is a default Application that does nothing; used when no
// L2 application is bound to a port and NET/ROM is the only traffic.
type NopApplication struct{}

func (NopApplication) OnConnect(*Context)       {}
func (NopApplication) OnDisconnect(*Context)    {}
func (NopApplication) OnError(*Context, string) {}
func (NopApplication) Read(*Context, []byte)    {}
