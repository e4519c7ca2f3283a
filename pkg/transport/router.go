package transport

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type RouterParams struct {
	// IncomingQueueLength bounds events waiting for TryRecv. Reliable
	// traffic blocks its connection's reader when full; unreliable
	// packets are dropped.
	IncomingQueueLength uint32

	// OutgoingQueueLength bounds each connection's pending writes.
	OutgoingQueueLength uint32

	Logger *zap.Logger
}

type routedConnection struct {
	ID     ConnID
	Remote string

	// Addr is the synthetic unreliable address for transports that carry
	// both channels on one session. Empty for TCP, whose datagrams arrive
	// on a separate UDP socket.
	Addr string

	outgoing       chan []byte
	closeRequest   chan struct{}
	closeOnce      sync.Once
	sendUnreliable func([]byte) error
}

func (c *routedConnection) requestClose() {
	c.closeOnce.Do(func() { close(c.closeRequest) })
}

// serveWrites runs until the connection is asked to close or a write fails.
// Pending reliable writes are flushed before returning on close; pending
// datagrams are dropped. datagrams may be nil.
func (c *routedConnection) serveWrites(write func([]byte) error, datagrams <-chan []byte, writeDatagram func([]byte) error) error {
	for {
		select {
		case payload := <-c.outgoing:
			if err := write(payload); err != nil {
				return err
			}
		case dgram := <-datagrams:
			// a broken socket shows up on the next reliable write
			writeDatagram(dgram)
		case <-c.closeRequest:
			for {
				select {
				case payload := <-c.outgoing:
					if err := write(payload); err != nil {
						return err
					}
				default:
					return nil
				}
			}
		}
	}
}

// connectionRouter is the server-side bookkeeping shared by the network
// transports: it hands out ConnIDs, routes writes to per-connection
// goroutines and funnels everything received into one event queue.
type connectionRouter struct {
	mut_connections sync.RWMutex
	connections     map[ConnID]*routedConnection
	addrs           map[string]*routedConnection
	nextID          ConnID
	closed          bool

	incoming chan Event
	done     chan struct{}
	params   RouterParams

	log *zap.Logger
}

func createConnectionRouter(params RouterParams) *connectionRouter {
	log := params.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	if params.IncomingQueueLength == 0 {
		params.IncomingQueueLength = 1024
	}
	if params.OutgoingQueueLength == 0 {
		params.OutgoingQueueLength = 256
	}

	return &connectionRouter{
		connections: make(map[ConnID]*routedConnection),
		addrs:       make(map[string]*routedConnection),
		incoming:    make(chan Event, params.IncomingQueueLength),
		done:        make(chan struct{}),
		params:      params,
		log:         log.With(zap.String("handlerBase", "ConnectionRouter")),
	}
}

// open registers a new connection and announces it. With a scheme the
// connection also gets the unreliable address "<scheme>:<id>".
func (r *connectionRouter) open(remote, scheme string, sendUnreliable func([]byte) error) (*routedConnection, error) {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	r.nextID++
	conn := &routedConnection{
		ID:             r.nextID,
		Remote:         remote,
		outgoing:       make(chan []byte, r.params.OutgoingQueueLength),
		closeRequest:   make(chan struct{}),
		sendUnreliable: sendUnreliable,
	}
	if scheme != "" {
		conn.Addr = fmt.Sprintf("%s:%d", scheme, conn.ID)
		r.addrs[conn.Addr] = conn
	}
	r.connections[conn.ID] = conn

	r.log.Debug("Added connection to router", zap.Uint32("conn", uint32(conn.ID)), zap.String("remote", remote))
	r.push(Event{Type: EventType_Connected, Conn: conn.ID, Addr: remote})
	return conn, nil
}

// remove is called once a connection's reader has stopped. The protocol
// hears about it only if the connection was not already dropped through
// Disconnect.
func (r *connectionRouter) remove(conn *routedConnection) {
	conn.requestClose()

	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	if r.connections[conn.ID] != conn {
		return
	}
	delete(r.connections, conn.ID)
	if conn.Addr != "" {
		delete(r.addrs, conn.Addr)
	}
	r.log.Debug("Removed connection from router", zap.Uint32("conn", uint32(conn.ID)))
	if !r.closed {
		r.push(Event{Type: EventType_Disconnected, Conn: conn.ID, Addr: conn.Remote})
	}
}

// push is non-blocking. Caller holds mut_connections.
func (r *connectionRouter) push(ev Event) {
	select {
	case r.incoming <- ev:
	default:
		r.log.Error("Dropping connection event", zap.Stringer("type", ev.Type), zap.Error(&QueueFullError{Queue: "incoming"}))
	}
}

func (r *connectionRouter) pushReliable(conn *routedConnection, payload []byte) {
	select {
	case r.incoming <- Event{Type: EventType_Reliable, Conn: conn.ID, Addr: conn.Remote, Payload: payload}:
	case <-conn.closeRequest:
	case <-r.done:
	}
}

func (r *connectionRouter) pushUnreliable(addr string, payload []byte) {
	select {
	case r.incoming <- Event{Type: EventType_Unreliable, Addr: addr, Payload: payload}:
	default:
		r.log.Debug("Dropping datagram", zap.String("addr", addr), zap.Error(&QueueFullError{Queue: "incoming"}))
	}
}

func (r *connectionRouter) fail(err error) {
	select {
	case r.incoming <- Event{Type: EventType_Failed, Err: err}:
	case <-r.done:
	}
}

func (r *connectionRouter) TryRecv() (Event, bool) {
	select {
	case ev := <-r.incoming:
		return ev, true
	default:
		return Event{}, false
	}
}

// SendReliable queues payload on conn. A connection that cannot keep up is
// dropped: silently losing reliable data would desync it anyway.
func (r *connectionRouter) SendReliable(conn ConnID, payload []byte) error {
	r.mut_connections.RLock()
	route, has := r.connections[conn]
	r.mut_connections.RUnlock()

	if !has {
		return &UnknownConnectionError{Conn: conn}
	}

	select {
	case route.outgoing <- append([]byte(nil), payload...):
		return nil
	default:
		r.log.Warn("Outgoing queue full, dropping connection", zap.Uint32("conn", uint32(conn)))
		r.Disconnect(conn)
		return &QueueFullError{Queue: fmt.Sprintf("outgoing:%d", conn)}
	}
}

func (r *connectionRouter) SendUnreliable(addr string, payload []byte) error {
	r.mut_connections.RLock()
	route, has := r.addrs[addr]
	r.mut_connections.RUnlock()

	if !has || route.sendUnreliable == nil {
		return &UnknownAddressError{Addr: addr}
	}
	return route.sendUnreliable(payload)
}

// Disconnect flushes what is already queued for conn, then closes it.
func (r *connectionRouter) Disconnect(conn ConnID) error {
	r.mut_connections.Lock()
	route, has := r.connections[conn]
	if has {
		delete(r.connections, conn)
		if route.Addr != "" {
			delete(r.addrs, route.Addr)
		}
	}
	r.mut_connections.Unlock()

	if !has {
		return &UnknownConnectionError{Conn: conn}
	}
	route.requestClose()
	r.log.Debug("Disconnect requested", zap.Uint32("conn", uint32(conn)))
	return nil
}

// shutdown closes every connection. Events already queued stay readable.
func (r *connectionRouter) shutdown() {
	r.mut_connections.Lock()
	defer r.mut_connections.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	close(r.done)
	for id, route := range r.connections {
		route.requestClose()
		delete(r.connections, id)
	}
	clear(r.addrs)
}

// clientPipe is the client-side counterpart: one connection, one queue.
type clientPipe struct {
	incoming     chan Event
	outgoing     chan []byte
	closeRequest chan struct{}
	closeOnce    sync.Once

	mut_closed sync.RWMutex
	closed     bool

	log *zap.Logger
}

func createClientPipe(params RouterParams, log *zap.Logger) *clientPipe {
	if params.IncomingQueueLength == 0 {
		params.IncomingQueueLength = 1024
	}
	if params.OutgoingQueueLength == 0 {
		params.OutgoingQueueLength = 256
	}
	p := &clientPipe{
		incoming:     make(chan Event, params.IncomingQueueLength),
		outgoing:     make(chan []byte, params.OutgoingQueueLength),
		closeRequest: make(chan struct{}),
		log:          log,
	}
	p.incoming <- Event{Type: EventType_Connected}
	return p
}

func (p *clientPipe) TryRecv() (Event, bool) {
	select {
	case ev := <-p.incoming:
		return ev, true
	default:
		return Event{}, false
	}
}

func (p *clientPipe) isClosed() bool {
	p.mut_closed.RLock()
	defer p.mut_closed.RUnlock()
	return p.closed
}

func (p *clientPipe) pushReliable(payload []byte) {
	select {
	case p.incoming <- Event{Type: EventType_Reliable, Payload: payload}:
	case <-p.closeRequest:
	}
}

func (p *clientPipe) pushUnreliable(payload []byte) {
	select {
	case p.incoming <- Event{Type: EventType_Unreliable, Payload: payload}:
	default:
		p.log.Debug("Dropping datagram", zap.Error(&QueueFullError{Queue: "incoming"}))
	}
}

// lost reports the end of the connection unless we closed it ourselves.
func (p *clientPipe) lost(err error) {
	if p.isClosed() {
		return
	}
	ev := Event{Type: EventType_Disconnected}
	if err != nil {
		ev = Event{Type: EventType_Failed, Err: err}
	}
	select {
	case p.incoming <- ev:
	case <-p.closeRequest:
	}
}

func (p *clientPipe) SendReliable(payload []byte) error {
	if p.isClosed() {
		return ErrClosed
	}
	select {
	case p.outgoing <- append([]byte(nil), payload...):
		return nil
	default:
		return &QueueFullError{Queue: "outgoing"}
	}
}

func (p *clientPipe) serveWrites(write func([]byte) error, datagrams <-chan []byte, writeDatagram func([]byte) error) error {
	route := routedConnection{outgoing: p.outgoing, closeRequest: p.closeRequest}
	return route.serveWrites(write, datagrams, writeDatagram)
}

func (p *clientPipe) close() bool {
	p.mut_closed.Lock()
	defer p.mut_closed.Unlock()
	if p.closed {
		return false
	}
	p.closed = true
	p.closeOnce.Do(func() { close(p.closeRequest) })
	return true
}
