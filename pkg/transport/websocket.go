package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
)

// Both channels share one binary WebSocket. The first byte of every message
// says which channel it belongs to.
const (
	wsChannelReliable   byte = 0
	wsChannelUnreliable byte = 1
)

func wsFrame(channel byte, payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, channel)
	return append(out, payload...)
}

type WebSocketServerParams struct {
	ListenAddress  string
	ListenEndpoint string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxReadMessageSize int64

	Router RouterParams
	Logger *zap.Logger
}

func checkOrigin(r *http.Request, allowAll bool, allow, deny []string) bool {
	origin := r.Header.Get("Origin")
	if utils.Contains(origin, deny) {
		return false
	}
	if allowAll {
		return true
	}
	return utils.Contains(origin, allow)
}

type WebSocketServer struct {
	*connectionRouter

	upgrader *websocket.Upgrader
	params   WebSocketServerParams
	server   *http.Server
	listener net.Listener

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log       *zap.Logger
	stringGen *utils.RandomGenerator
}

// ListenWebSocket binds ListenAddress and serves ListenEndpoint until ctx
// ends or Close is called. Each socket gets the unreliable address
// "ws:<conn>".
func ListenWebSocket(ctx context.Context, params WebSocketServerParams) (*WebSocketServer, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	if params.Router.Logger == nil {
		params.Router.Logger = logger
	}
	if params.ListenEndpoint == "" {
		params.ListenEndpoint = "/"
	}

	listener, err := net.Listen("tcp", params.ListenAddress)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	ws := &WebSocketServer{
		connectionRouter: createConnectionRouter(params.Router),
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return checkOrigin(r, params.AllowAllHosts, params.AllowlistedHosts, params.DenylistedHosts)
			},
		},
		params:    params,
		listener:  listener,
		cancel:    cancel,
		log:       logger.With(zap.String("handler", "WebSocket")),
		stringGen: utils.CreateRandomGenerator(time.Now().UnixMicro()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		ws.onWsRequest(w, r)
	})
	ws.server = &http.Server{Handler: mux}

	ws.wg.Add(2)
	go func() {
		defer ws.wg.Done()

		ws.log.Sugar().Infof("Starting WebSocket server at %s", listener.Addr())
		if err := ws.server.Serve(listener); !errors.Is(err, http.ErrServerClosed) {
			ws.log.Error("Unexpected WebSocket server close!", zap.Error(err))
			ws.fail(err)
		}
	}()

	go func() {
		defer ws.wg.Done()

		<-ctx.Done()
		ws.shutdown()

		shutdownCtx, shutdownRelease := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownRelease()
		ws.log.Info("Attempting to trigger shutdown of WebSocket server")

		if err := ws.server.Shutdown(shutdownCtx); err != nil {
			ws.log.Error("Failed to gracefully shut down WebSocket server", zap.Error(err))
			return
		}
		ws.log.Info("Successfully shutdown WebSocket server")
	}()

	return ws, nil
}

func (ws *WebSocketServer) Addr() net.Addr {
	return ws.listener.Addr()
}

func (ws *WebSocketServer) onWsRequest(w http.ResponseWriter, r *http.Request) {
	log := ws.log.With(zap.String("wsConnId", ws.stringGen.GetRandomString(6)))

	log.Info("New WebSocket request")
	c, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade HTTP request to WebSocket connection", zap.Error(err))
		return
	}
	defer c.Close()

	if ws.params.MaxReadMessageSize > 0 {
		c.SetReadLimit(ws.params.MaxReadMessageSize)
	}

	datagrams := make(chan []byte, ws.connectionRouter.params.OutgoingQueueLength)
	route, err := ws.open(r.RemoteAddr, "ws", func(payload []byte) error {
		select {
		case datagrams <- wsFrame(wsChannelUnreliable, payload):
			return nil
		default:
			return &QueueFullError{Queue: "datagrams"}
		}
	})
	if err != nil {
		log.Warn("Rejecting WebSocket, server is closing")
		return
	}
	log = log.With(zap.Uint32("conn", uint32(route.ID)))

	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer c.Close()

		err := writeSocket(c, route, datagrams)
		if err != nil {
			log.Info("WebSocket write failed", zap.Error(err))
			return
		}
		c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by server"),
			time.Now().Add(time.Second))
	}()

	readSocket(c, log, func(channel byte, payload []byte) {
		if channel == wsChannelReliable {
			ws.pushReliable(route, payload)
		} else {
			ws.pushUnreliable(route.Addr, payload)
		}
	})
	ws.remove(route)
	wg.Wait()
}

type writeQueue interface {
	serveWrites(write func([]byte) error, datagrams <-chan []byte, writeDatagram func([]byte) error) error
}

func writeSocket(c *websocket.Conn, outgoing writeQueue, datagrams <-chan []byte) error {
	// gorilla allows one writer at a time, so datagrams share the goroutine.
	return outgoing.serveWrites(func(payload []byte) error {
		return c.WriteMessage(websocket.BinaryMessage, wsFrame(wsChannelReliable, payload))
	}, datagrams, func(dgram []byte) error {
		return c.WriteMessage(websocket.BinaryMessage, dgram)
	})
}

// readSocket dispatches binary messages by channel until the socket fails.
func readSocket(c *websocket.Conn, log *zap.Logger, onMessage func(channel byte, payload []byte)) error {
	expectedCloseErrors := []int{websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived}
	for {
		msgType, payload, msgErr := c.ReadMessage()
		if msgErr != nil {
			if websocket.IsCloseError(msgErr, expectedCloseErrors...) {
				log.Info("Received close request, shutting down")
				return nil
			}
			if errors.Is(msgErr, net.ErrClosed) {
				log.Info("Closing connection, closed locally")
				return nil
			}
			log.Warn("WebSocket read ended", zap.Error(msgErr))
			return msgErr
		}

		if msgType != websocket.BinaryMessage {
			log.Info("Received non-binary message, ignoring", zap.Int("size", len(payload)))
			continue
		}
		if len(payload) == 0 || payload[0] > wsChannelUnreliable {
			log.Debug("Dropping message on unknown channel", zap.Int("size", len(payload)))
			continue
		}
		onMessage(payload[0], payload[1:])
	}
}

func (ws *WebSocketServer) Close() error {
	ws.cancel()
	ws.wg.Wait()
	return nil
}

type WebSocketClientParams struct {
	// URL is the full ws:// or wss:// endpoint.
	URL    string
	Header http.Header

	MaxReadMessageSize int64

	Queues RouterParams
	Logger *zap.Logger
}

type WebSocketClient struct {
	*clientPipe

	conn      *websocket.Conn
	datagrams chan []byte

	wg sync.WaitGroup
}

func DialWebSocket(ctx context.Context, params WebSocketClientParams) (*WebSocketClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("handler", "WebSocketClient"))

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, params.URL, params.Header)
	if err != nil {
		return nil, err
	}
	if params.MaxReadMessageSize > 0 {
		conn.SetReadLimit(params.MaxReadMessageSize)
	}

	pipe := createClientPipe(params.Queues, log)
	c := &WebSocketClient{
		clientPipe: pipe,
		conn:       conn,
		datagrams:  make(chan []byte, cap(pipe.outgoing)),
	}

	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		err := readSocket(conn, log, func(channel byte, payload []byte) {
			if channel == wsChannelReliable {
				c.pushReliable(payload)
			} else {
				c.pushUnreliable(payload)
			}
		})
		c.lost(err)
	}()
	go func() {
		defer c.wg.Done()
		defer conn.Close()

		if err := writeSocket(conn, c.clientPipe, c.datagrams); err != nil {
			log.Info("WebSocket write failed", zap.Error(err))
			return
		}
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "closed by client"),
			time.Now().Add(time.Second))
	}()

	log.Info("Connected", zap.String("url", params.URL))
	return c, nil
}

func (c *WebSocketClient) SendUnreliable(payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	select {
	case c.datagrams <- wsFrame(wsChannelUnreliable, payload):
		return nil
	default:
		return &QueueFullError{Queue: "datagrams"}
	}
}

func (c *WebSocketClient) Close() error {
	if !c.close() {
		return nil
	}
	c.wg.Wait()
	return nil
}
