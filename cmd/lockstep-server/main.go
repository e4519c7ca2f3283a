// lockstep-server hosts a lockstep session over TCP+UDP, WebSocket or
// WebTransport and runs the counter demo world as the host simulation.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sessamekesh/spanreed-lockstep/internal/countersim"
	"github.com/sessamekesh/spanreed-lockstep/pkg/config"
	"github.com/sessamekesh/spanreed-lockstep/pkg/server"
	"github.com/sessamekesh/spanreed-lockstep/pkg/snapshot"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
	utils "github.com/sessamekesh/spanreed-lockstep/pkg/util"
)

// pollInterval is how often the host loop polls the server. It only needs
// to be comfortably shorter than the frame period.
const pollInterval = 5 * time.Millisecond

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	//
	// Flags
	flags := pflag.NewFlagSet("lockstep-server", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", os.Getenv("LOCKSTEP_CONFIG"), "YAML configuration file")
	address := flags.String("address", "", "Address to listen on")
	port := flags.Uint16("port", 0, "Reliable port (unreliable traffic uses port+1 over TCP)")
	kind := flags.String("transport", "", "tcp, websocket or webtransport")
	virtual := flags.String("virtual", "", "Name of a server-hosted player; implies --always-run")
	alwaysRun := flags.Bool("always-run", false, "Advance frames even when nobody is playing")
	compression := flags.String("compression", "", "World snapshot compression: none, lz4 or zstd")
	period := flags.Duration("period", 0, "Frame period")
	flags.Parse(os.Args[1:])

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load config: %s\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	sc := &cfg.Server
	if flags.Changed("address") {
		sc.Address = *address
	}
	if flags.Changed("port") {
		sc.Port = *port
	}
	if flags.Changed("transport") {
		sc.Transport = config.TransportKind(*kind)
	}
	if flags.Changed("virtual") {
		sc.VirtualClient = *virtual
	}
	if flags.Changed("always-run") {
		sc.AlwaysRun = *alwaysRun
	}
	if flags.Changed("compression") {
		sc.Compression = *compression
	}
	if flags.Changed("period") {
		sc.Period = *period
	}
	if certPath := os.Getenv("LOCKSTEP_TLS_CERT_PATH"); certPath != "" {
		sc.CertPath = certPath
	}
	if keyPath := os.Getenv("LOCKSTEP_TLS_KEY_PATH"); keyPath != "" {
		sc.KeyPath = keyPath
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %s\n", err)
		os.Exit(1)
	}

	logger := zap.Must(zap.NewProduction())
	if os.Getenv("APP_ENV") == "development" || cfg.Environment == config.Development {
		logger = zap.Must(zap.NewDevelopment())
	}
	defer logger.Sync()

	shutdownCtx, shutdownRelease := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer shutdownRelease()

	tr, err := listen(shutdownCtx, sc, logger)
	if err != nil {
		logger.Error("Failed to start transport", zap.String("transport", string(sc.Transport)), zap.Error(err))
		os.Exit(1)
	}
	defer tr.Close()

	if err := run(shutdownCtx, sc, tr, logger); err != nil {
		logger.Error("Lockstep server stopped", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Successfully shutdown lockstep server")
}

func listen(ctx context.Context, sc *config.ServerConfig, logger *zap.Logger) (transport.ServerTransport, error) {
	addr := fmt.Sprintf("%s:%d", sc.Address, sc.Port)
	allowAll := len(sc.AllowedOrigins) == 0

	switch sc.Transport {
	case config.TransportWebSocket:
		return transport.ListenWebSocket(ctx, transport.WebSocketServerParams{
			ListenAddress:    addr,
			ListenEndpoint:   sc.WebSocketEndpoint,
			AllowAllHosts:    allowAll,
			AllowlistedHosts: sc.AllowedOrigins,
			DenylistedHosts:  sc.DeniedOrigins,
			Logger:           logger,
		})
	case config.TransportWebTransport:
		if sc.CertPath == "" || sc.KeyPath == "" {
			return nil, fmt.Errorf("webtransport needs cert_path and key_path")
		}
		return transport.ListenWebTransport(ctx, transport.WebTransportServerParams{
			ListenAddress:    addr,
			ListenEndpoint:   sc.WebSocketEndpoint,
			CertPath:         sc.CertPath,
			KeyPath:          sc.KeyPath,
			AllowAllHosts:    allowAll,
			AllowlistedHosts: sc.AllowedOrigins,
			DenylistedHosts:  sc.DeniedOrigins,
			Logger:           logger,
		})
	default:
		return transport.ListenTCP(ctx, transport.TCPServerParams{
			ListenAddress: sc.Address,
			Port:          sc.Port,
			Logger:        logger,
		})
	}
}

func run(ctx context.Context, sc *config.ServerConfig, tr transport.ServerTransport, logger *zap.Logger) error {
	compression, err := snapshot.ParseCompressionTag(sc.Compression)
	if err != nil {
		return err
	}

	conf := server.ServerConfiguration{
		Version:              sc.Version,
		Period:               sc.Period,
		MergeGrace:           sc.MergeGrace,
		MaxConsecutiveMisses: sc.MaxConsecutiveMisses,
		InputLag:             sc.InputLag,
		CatchUpBatch:         sc.CatchUpBatch,
		MaxClients:           sc.MaxClients,
		MaxDecodeErrors:      sc.MaxDecodeErrors,
		AuthTimeout:          sc.AuthTimeout,
		JoinTimeout:          sc.JoinTimeout,
		AlwaysRun:            sc.AlwaysRun,
		Compression:          compression,
		MagicNumber:          sc.MagicNumber,
		UnauthenticatedRate:  rate.Limit(sc.UnauthenticatedRate),
		UnauthenticatedBurst: sc.UnauthenticatedBurst,
		IDs:                  utils.CryptoIDSource{},
		Logger:               logger,
	}
	if sc.VirtualClient != "" {
		conf.Virtual = &server.VirtualClient{Name: sc.VirtualClient}
		conf.AlwaysRun = true
	}

	srv := server.Start(conf, tr)
	world := countersim.New(conf.StartFrame)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		var local []byte
		if conf.Virtual != nil {
			local = countersim.Input(int8(rng.Intn(3) - 1))
		}

		res := srv.Poll(world, world.Frame, local)
		switch res.Kind {
		case server.ServerPollResultKind_Error:
			return res.Err
		case server.ServerPollResultKind_Inputs:
			for _, f := range res.Frames {
				if err := world.Apply(f); err != nil {
					return err
				}
				if f.Frame%100 == 0 {
					hash := world.Hash()
					logger.Info("Host world",
						zap.Uint32("frame", uint32(f.Frame)),
						zap.Int("players", srv.PlayerCount()),
						zap.Int64("total", world.Total),
						zap.Binary("hash", hash[:8]))
				}
			}
		}
	}
}
