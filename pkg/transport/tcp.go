package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"sync"

	"go.uber.org/zap"
)

// maxDatagramSize is the largest unreliable packet read off the UDP socket.
const maxDatagramSize = 65536

// MaxUnreliablePayload is the largest UDP payload IPv4 can carry. Unreliable
// senders keep packets at or under it.
const MaxUnreliablePayload = 65507

type TCPServerParams struct {
	ListenAddress string

	// Port is the reliable TCP port. Datagrams use Port+1.
	Port uint16

	MaxFrameSize uint32

	Router RouterParams
	Logger *zap.Logger
}

// TCPServer carries reliable traffic over length-prefixed TCP streams and
// unreliable traffic over a UDP socket one port up. Unreliable addresses
// are the peers' UDP "ip:port" strings.
type TCPServer struct {
	*connectionRouter

	params   TCPServerParams
	listener net.Listener
	udp      *net.UDPConn

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log *zap.Logger
}

func ListenTCP(ctx context.Context, params TCPServerParams) (*TCPServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Router.Logger == nil {
		params.Router.Logger = logger
	}

	listener, err := net.Listen("tcp", net.JoinHostPort(params.ListenAddress, fmt.Sprint(params.Port)))
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(params.ListenAddress, fmt.Sprint(params.Port+1)))
	if err != nil {
		listener.Close()
		return nil, err
	}
	udp, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		listener.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &TCPServer{
		connectionRouter: createConnectionRouter(params.Router),
		params:           params,
		listener:         listener,
		udp:              udp,
		cancel:           cancel,
		log:              logger.With(zap.String("handler", "TCP")),
	}

	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		s.shutdown()
		listener.Close()
		udp.Close()
	}()
	go s.acceptLoop()
	go s.readDatagrams()

	s.log.Info("Listening", zap.String("tcp", listener.Addr().String()), zap.String("udp", udp.LocalAddr().String()))
	return s, nil
}

// Addr is the bound TCP address.
func (s *TCPServer) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *TCPServer) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info("TCP listener closed - exiting accept goroutine")
				return
			}
			s.log.Error("Accept failed, closing listener", zap.Error(err))
			s.fail(err)
			return
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}
		s.serveConn(conn)
	}
}

func (s *TCPServer) serveConn(conn net.Conn) {
	route, err := s.open(conn.RemoteAddr().String(), "", nil)
	if err != nil {
		conn.Close()
		return
	}
	log := s.log.With(zap.Uint32("conn", uint32(route.ID)))

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		err := readFrames(conn, s.params.MaxFrameSize, func(frame []byte) {
			s.pushReliable(route, frame)
		})
		if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
			log.Info("Connection read ended", zap.Error(err))
		}
		s.remove(route)
	}()

	go func() {
		defer s.wg.Done()
		var scratch []byte
		err := route.serveWrites(func(payload []byte) error {
			scratch = AppendFrame(scratch[:0], payload)
			_, err := conn.Write(scratch)
			return err
		}, nil, nil)
		if err != nil {
			log.Info("Connection write failed", zap.Error(err))
		}
		conn.Close()
	}()
}

func (s *TCPServer) readDatagrams() {
	defer s.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := s.udp.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.log.Info("UDP socket closed - exiting datagram goroutine")
				return
			}
			s.log.Warn("Error reading UDP datagram", zap.Error(err))
			continue
		}
		s.pushUnreliable(from.String(), append([]byte(nil), buf[:n]...))
	}
}

func (s *TCPServer) SendUnreliable(addr string, payload []byte) error {
	to, err := netip.ParseAddrPort(addr)
	if err != nil {
		return &UnknownAddressError{Addr: addr}
	}
	_, err = s.udp.WriteToUDPAddrPort(payload, to)
	return err
}

// Close stops accepting, closes every connection after its queued writes
// and waits for the listener goroutines.
func (s *TCPServer) Close() error {
	s.cancel()
	s.wg.Wait()
	return nil
}

type TCPClientParams struct {
	Address string

	// Port is the server's TCP port. Datagrams go to Port+1.
	Port uint16

	MaxFrameSize uint32

	Queues RouterParams
	Logger *zap.Logger
}

type TCPClient struct {
	*clientPipe

	conn net.Conn
	udp  *net.UDPConn

	wg sync.WaitGroup
}

func DialTCP(ctx context.Context, params TCPClientParams) (*TCPClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("handler", "TCPClient"))

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(params.Address, fmt.Sprint(params.Port)))
	if err != nil {
		return nil, err
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
	}

	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(params.Address, fmt.Sprint(params.Port+1)))
	if err != nil {
		conn.Close()
		return nil, err
	}
	udp, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		conn.Close()
		return nil, err
	}

	c := &TCPClient{
		clientPipe: createClientPipe(params.Queues, log),
		conn:       conn,
		udp:        udp,
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		err := readFrames(conn, params.MaxFrameSize, c.pushReliable)
		switch {
		case errors.Is(err, io.EOF):
			c.lost(nil)
		default:
			c.lost(err)
		}
	}()
	go func() {
		defer c.wg.Done()
		var scratch []byte
		err := c.serveWrites(func(payload []byte) error {
			scratch = AppendFrame(scratch[:0], payload)
			_, err := conn.Write(scratch)
			return err
		}, nil, nil)
		if err != nil {
			log.Info("Write failed", zap.Error(err))
		}
		conn.Close()
	}()
	go func() {
		defer c.wg.Done()
		buf := make([]byte, maxDatagramSize)
		for {
			n, err := udp.Read(buf)
			if err != nil {
				if errors.Is(err, net.ErrClosed) {
					return
				}
				// ICMP port unreachable and friends; the TCP side decides
				// whether the server is gone.
				log.Debug("UDP read error", zap.Error(err))
				continue
			}
			c.pushUnreliable(append([]byte(nil), buf[:n]...))
		}
	}()

	log.Info("Connected", zap.String("tcp", conn.RemoteAddr().String()), zap.String("udp", udpAddr.String()))
	return c, nil
}

func (c *TCPClient) SendUnreliable(payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	_, err := c.udp.Write(payload)
	return err
}

func (c *TCPClient) Close() error {
	if !c.close() {
		return nil
	}
	c.udp.Close()
	c.wg.Wait()
	return nil
}
