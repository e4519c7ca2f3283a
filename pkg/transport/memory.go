package transport

import (
	"fmt"
	"math/rand"
	"sync"

	"go.uber.org/zap"
)

type MemoryNetworkParams struct {
	Seed int64

	// Applied to unreliable packets only. Reliable traffic is always
	// delivered once, in order.
	LossRate      float64
	DuplicateRate float64
	ReorderRate   float64

	Logger *zap.Logger
}

// MemoryNetwork connects one server and any number of clients inside a
// process. Delivery is immediate: a send is visible to the next TryRecv on
// the other side.
type MemoryNetwork struct {
	mut      sync.Mutex
	rng      *rand.Rand
	params   MemoryNetworkParams
	server   *MemoryServer
	clients  map[ConnID]*MemoryClient
	byAddr   map[string]*MemoryClient
	nextConn ConnID

	log *zap.Logger
}

func CreateMemoryNetwork(params MemoryNetworkParams) *MemoryNetwork {
	log := params.Logger
	if log == nil {
		log = zap.Must(zap.NewDevelopment())
	}
	return &MemoryNetwork{
		rng:     rand.New(rand.NewSource(params.Seed)),
		params:  params,
		clients: make(map[ConnID]*MemoryClient),
		byAddr:  make(map[string]*MemoryClient),
		log:     log.With(zap.String("handler", "MemoryNetwork")),
	}
}

// SetLoss changes the unreliable loss rate, e.g. to simulate a bad patch.
func (n *MemoryNetwork) SetLoss(rate float64) {
	n.mut.Lock()
	defer n.mut.Unlock()
	n.params.LossRate = rate
}

type eventQueue struct {
	events []Event
	held   *Event
}

func (q *eventQueue) push(ev Event) {
	q.events = append(q.events, ev)
}

func (q *eventQueue) pop() (Event, bool) {
	if len(q.events) == 0 {
		if q.held != nil {
			ev := *q.held
			q.held = nil
			return ev, true
		}
		return Event{}, false
	}
	ev := q.events[0]
	q.events[0] = Event{}
	q.events = q.events[1:]
	return ev, true
}

// deliverUnreliable applies loss, duplication and reordering. Caller holds
// n.mut.
func (n *MemoryNetwork) deliverUnreliable(q *eventQueue, ev Event) {
	if n.rng.Float64() < n.params.LossRate {
		return
	}
	copies := 1
	if n.rng.Float64() < n.params.DuplicateRate {
		copies = 2
	}
	for i := 0; i < copies; i++ {
		ev.Payload = append([]byte(nil), ev.Payload...)
		if q.held == nil && n.rng.Float64() < n.params.ReorderRate {
			held := ev
			q.held = &held
			continue
		}
		q.push(ev)
		if q.held != nil {
			q.push(*q.held)
			q.held = nil
		}
	}
}

type MemoryServer struct {
	net    *MemoryNetwork
	queue  eventQueue
	closed bool
}

// Listen attaches the (single) server to the network.
func (n *MemoryNetwork) Listen() (*MemoryServer, error) {
	n.mut.Lock()
	defer n.mut.Unlock()

	if n.server != nil && !n.server.closed {
		return nil, fmt.Errorf("memory network already has a server")
	}
	n.server = &MemoryServer{net: n}
	return n.server, nil
}

func (s *MemoryServer) TryRecv() (Event, bool) {
	s.net.mut.Lock()
	defer s.net.mut.Unlock()
	return s.queue.pop()
}

func (s *MemoryServer) SendReliable(conn ConnID, payload []byte) error {
	s.net.mut.Lock()
	defer s.net.mut.Unlock()

	if s.closed {
		return ErrClosed
	}
	c, has := s.net.clients[conn]
	if !has || c.closed {
		return &UnknownConnectionError{Conn: conn}
	}
	c.queue.push(Event{Type: EventType_Reliable, Payload: append([]byte(nil), payload...)})
	return nil
}

func (s *MemoryServer) SendUnreliable(addr string, payload []byte) error {
	s.net.mut.Lock()
	defer s.net.mut.Unlock()

	if s.closed {
		return ErrClosed
	}
	c, has := s.net.byAddr[addr]
	if !has || c.closed {
		return &UnknownAddressError{Addr: addr}
	}
	s.net.deliverUnreliable(&c.queue, Event{Type: EventType_Unreliable, Payload: payload})
	return nil
}

func (s *MemoryServer) Disconnect(conn ConnID) error {
	s.net.mut.Lock()
	defer s.net.mut.Unlock()

	c, has := s.net.clients[conn]
	if !has {
		return &UnknownConnectionError{Conn: conn}
	}
	s.net.dropClient(c)
	c.queue.push(Event{Type: EventType_Disconnected})
	return nil
}

func (s *MemoryServer) Close() error {
	s.net.mut.Lock()
	defer s.net.mut.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	for _, c := range s.net.clients {
		s.net.dropClient(c)
		c.queue.push(Event{Type: EventType_Failed, Err: ErrClosed})
	}
	return nil
}

type MemoryClient struct {
	net    *MemoryNetwork
	conn   ConnID
	addr   string
	queue  eventQueue
	closed bool
}

// Dial connects a new client. Both sides see a Connected event.
func (n *MemoryNetwork) Dial() (*MemoryClient, error) {
	n.mut.Lock()
	defer n.mut.Unlock()

	if n.server == nil || n.server.closed {
		return nil, fmt.Errorf("connection refused: no server listening")
	}

	n.nextConn++
	c := &MemoryClient{
		net:  n,
		conn: n.nextConn,
		addr: fmt.Sprintf("mem:%d", n.nextConn),
	}
	n.clients[c.conn] = c
	n.byAddr[c.addr] = c

	c.queue.push(Event{Type: EventType_Connected})
	n.server.queue.push(Event{Type: EventType_Connected, Conn: c.conn, Addr: c.addr})
	n.log.Debug("Client dialed", zap.Uint32("conn", uint32(c.conn)), zap.String("addr", c.addr))
	return c, nil
}

// dropClient unlinks c. Caller holds n.mut.
func (n *MemoryNetwork) dropClient(c *MemoryClient) {
	c.closed = true
	delete(n.clients, c.conn)
	delete(n.byAddr, c.addr)
}

func (c *MemoryClient) Addr() string {
	return c.addr
}

func (c *MemoryClient) TryRecv() (Event, bool) {
	c.net.mut.Lock()
	defer c.net.mut.Unlock()
	return c.queue.pop()
}

func (c *MemoryClient) SendReliable(payload []byte) error {
	c.net.mut.Lock()
	defer c.net.mut.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.net.server.queue.push(Event{
		Type:    EventType_Reliable,
		Conn:    c.conn,
		Addr:    c.addr,
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

func (c *MemoryClient) SendUnreliable(payload []byte) error {
	c.net.mut.Lock()
	defer c.net.mut.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.net.deliverUnreliable(&c.net.server.queue, Event{
		Type:    EventType_Unreliable,
		Addr:    c.addr,
		Payload: payload,
	})
	return nil
}

func (c *MemoryClient) Close() error {
	c.net.mut.Lock()
	defer c.net.mut.Unlock()

	if c.closed {
		return nil
	}
	c.net.dropClient(c)
	if c.net.server != nil && !c.net.server.closed {
		c.net.server.queue.push(Event{Type: EventType_Disconnected, Conn: c.conn, Addr: c.addr})
	}
	return nil
}
