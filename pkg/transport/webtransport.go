package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/quic-go/quic-go/http3"
	"github.com/quic-go/webtransport-go"
	"go.uber.org/zap"

	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
)

type WebTransportServerParams struct {
	ListenAddress  string
	ListenEndpoint string

	CertPath string
	KeyPath  string

	AllowAllHosts    bool
	AllowlistedHosts []string
	DenylistedHosts  []string

	MaxFrameSize uint32

	// StreamAcceptTimeout bounds the wait for the client's reliable stream.
	StreamAcceptTimeout time.Duration

	Router RouterParams
	Logger *zap.Logger
}

// WebTransportServer carries reliable traffic on one client-opened
// bidirectional stream per session, length-prefixed like TCP, and
// unreliable traffic as datagrams. Each session gets the unreliable
// address "wt:<conn>".
type WebTransportServer struct {
	*connectionRouter

	params WebTransportServerParams
	s      *webtransport.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup

	log       *zap.Logger
	stringGen *utils.RandomGenerator
}

func ListenWebTransport(ctx context.Context, params WebTransportServerParams) (*WebTransportServer, error) {
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
	if params.StreamAcceptTimeout == 0 {
		params.StreamAcceptTimeout = 5 * time.Second
	}

	certs, err := tls.LoadX509KeyPair(params.CertPath, params.KeyPath)
	if err != nil {
		logger.Error("Failed to load certificate pair", zap.Error(err))
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	wt := &WebTransportServer{
		connectionRouter: createConnectionRouter(params.Router),
		params:           params,
		cancel:           cancel,
		log:              logger.With(zap.String("handler", "WebTransport")),
		stringGen:        utils.CreateRandomGenerator(time.Now().UnixMicro()),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(params.ListenEndpoint, func(w http.ResponseWriter, r *http.Request) {
		wt.onWtRequest(ctx, w, r)
	})

	wt.s = &webtransport.Server{
		H3: http3.Server{
			Addr:            params.ListenAddress,
			TLSConfig:       &tls.Config{Certificates: []tls.Certificate{certs}},
			Handler:         mux,
			EnableDatagrams: true,
		},
		CheckOrigin: func(r *http.Request) bool {
			return checkOrigin(r, params.AllowAllHosts, params.AllowlistedHosts, params.DenylistedHosts)
		},
	}

	wt.wg.Add(2)
	go func() {
		wt.log.Info("Starting WebTransport HTTP3 server!", zap.String("path", params.ListenAddress))
		defer wt.log.Info("Shutdown WebTransport HTTP3 server")
		defer wt.wg.Done()

		if err := wt.s.ListenAndServeTLS(params.CertPath, params.KeyPath); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
			wt.log.Error("Unexpected WebTransport server close!", zap.Error(err))
			wt.fail(err)
		}
	}()

	go func() {
		defer wt.wg.Done()
		<-ctx.Done()
		wt.shutdown()
		if err := wt.s.Close(); err != nil {
			wt.log.Warn("Error closing WebTransport server", zap.Error(err))
		}
	}()

	return wt, nil
}

func (wt *WebTransportServer) onWtRequest(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	log := wt.log.With(zap.String("wtConnId", wt.stringGen.GetRandomString(6)))

	log.Info("New WebTransport request")

	session, sessionError := wt.s.Upgrade(w, r)
	if sessionError != nil {
		log.Warn("Failed to upgrade HTTP3 request to a WebTransport session", zap.Error(sessionError))
		w.WriteHeader(500)
		return
	}
	defer session.CloseWithError(0, "closed by server")

	acceptCtx, acceptCancel := context.WithTimeout(ctx, wt.params.StreamAcceptTimeout)
	stream, err := session.AcceptStream(acceptCtx)
	acceptCancel()
	if err != nil {
		log.Warn("Client never opened its reliable stream", zap.Error(err))
		return
	}

	route, err := wt.open(r.RemoteAddr, "wt", session.SendDatagram)
	if err != nil {
		log.Warn("Rejecting WebTransport session, server is closing")
		return
	}
	log = log.With(zap.Uint32("conn", uint32(route.ID)))

	wg := sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		var scratch []byte
		err := route.serveWrites(func(payload []byte) error {
			scratch = AppendFrame(scratch[:0], payload)
			_, err := stream.Write(scratch)
			return err
		}, nil, nil)
		if err != nil {
			log.Info("Stream write failed", zap.Error(err))
		}
		stream.Close()
		// Give the peer a moment to read the flushed stream before the
		// session goes away underneath it.
		select {
		case <-session.Context().Done():
		case <-time.After(time.Second):
		}
		session.CloseWithError(0, "closed by server")
	}()

	go func() {
		defer wg.Done()
		for {
			dgram, err := session.ReceiveDatagram(session.Context())
			if err != nil {
				return
			}
			wt.pushUnreliable(route.Addr, dgram)
		}
	}()

	err = readFrames(stream, wt.params.MaxFrameSize, func(frame []byte) {
		wt.pushReliable(route, frame)
	})
	if err != nil && !errors.Is(err, io.EOF) {
		log.Info("Reliable stream ended", zap.Error(err))
	}
	wt.remove(route)
	wg.Wait()
}

func (wt *WebTransportServer) Close() error {
	wt.cancel()
	wt.wg.Wait()
	return nil
}

type WebTransportClientParams struct {
	// URL is the https:// endpoint of the server.
	URL string

	// InsecureSkipVerify accepts self-signed development certificates.
	InsecureSkipVerify bool

	MaxFrameSize uint32

	Queues RouterParams
	Logger *zap.Logger
}

type WebTransportClient struct {
	*clientPipe

	session *webtransport.Session
	wg      sync.WaitGroup
}

func DialWebTransport(ctx context.Context, params WebTransportClientParams) (*WebTransportClient, error) {
	logger := params.Logger
	if logger == nil {
		logger = zap.Must(zap.NewDevelopment())
	}
	log := logger.With(zap.String("handler", "WebTransportClient"))

	dialer := webtransport.Dialer{
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: params.InsecureSkipVerify,
			NextProtos:         []string{http3.NextProtoH3},
		},
	}
	_, session, err := dialer.Dial(ctx, params.URL, nil)
	if err != nil {
		return nil, err
	}

	stream, err := session.OpenStreamSync(ctx)
	if err != nil {
		session.CloseWithError(0, "failed to open stream")
		return nil, err
	}

	c := &WebTransportClient{
		clientPipe: createClientPipe(params.Queues, log),
		session:    session,
	}

	c.wg.Add(3)
	go func() {
		defer c.wg.Done()
		err := readFrames(stream, params.MaxFrameSize, c.pushReliable)
		if errors.Is(err, io.EOF) || session.Context().Err() != nil {
			// the server finished the stream or closed the session
			err = nil
		}
		c.lost(err)
	}()
	go func() {
		defer c.wg.Done()
		var scratch []byte
		err := c.serveWrites(func(payload []byte) error {
			scratch = AppendFrame(scratch[:0], payload)
			_, err := stream.Write(scratch)
			return err
		}, nil, nil)
		if err != nil {
			log.Info("Stream write failed", zap.Error(err))
		}
		stream.Close()
		session.CloseWithError(0, "closed by client")
	}()
	go func() {
		defer c.wg.Done()
		for {
			dgram, err := session.ReceiveDatagram(session.Context())
			if err != nil {
				return
			}
			c.pushUnreliable(dgram)
		}
	}()

	log.Info("Connected", zap.String("url", params.URL))
	return c, nil
}

func (c *WebTransportClient) SendUnreliable(payload []byte) error {
	if c.isClosed() {
		return ErrClosed
	}
	return c.session.SendDatagram(payload)
}

func (c *WebTransportClient) Close() error {
	if !c.close() {
		return nil
	}
	c.wg.Wait()
	return nil
}
