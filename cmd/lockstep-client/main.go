// lockstep-client joins a lockstep-server session and plays the counter demo
// world, printing its state hash so several clients can be compared.
package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/sessamekesh/spanreed-lockstep/internal/countersim"
	"github.com/sessamekesh/spanreed-lockstep/pkg/client"
	"github.com/sessamekesh/spanreed-lockstep/pkg/config"
	"github.com/sessamekesh/spanreed-lockstep/pkg/transport"
)

const pollInterval = 5 * time.Millisecond

func main() {
	if dotenvErr := godotenv.Load(); dotenvErr != nil && !os.IsNotExist(dotenvErr) {
		fmt.Printf("Failed to load .env file! %s", dotenvErr.Error())
	}

	//
	// Flags
	flags := pflag.NewFlagSet("lockstep-client", pflag.ExitOnError)
	configPath := flags.StringP("config", "c", os.Getenv("LOCKSTEP_CONFIG"), "YAML configuration file")
	address := flags.String("address", "", "Server address")
	port := flags.Uint16("port", 0, "Server reliable port")
	kind := flags.String("transport", "", "tcp, websocket or webtransport")
	name := flags.StringP("name", "n", "", "Player name")
	insecure := flags.Bool("insecure", false, "Accept self-signed WebTransport certificates")
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

	cc := &cfg.Client
	if flags.Changed("address") {
		cc.Address = *address
	}
	if flags.Changed("port") {
		cc.Port = *port
	}
	if flags.Changed("transport") {
		cc.Transport = config.TransportKind(*kind)
	}
	if flags.Changed("name") {
		cc.Name = *name
	}
	if flags.Changed("insecure") {
		cc.InsecureSkipVerify = *insecure
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

	tr, err := dial(shutdownCtx, cc, logger)
	if err != nil {
		logger.Error("Failed to reach server", zap.String("transport", string(cc.Transport)), zap.Error(err))
		os.Exit(1)
	}

	if err := run(shutdownCtx, cc, tr, logger); err != nil {
		logger.Error("Session ended", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("Left session")
}

func dial(ctx context.Context, cc *config.ClientConfig, logger *zap.Logger) (transport.ClientTransport, error) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	switch cc.Transport {
	case config.TransportWebSocket:
		return transport.DialWebSocket(dialCtx, transport.WebSocketClientParams{
			URL:    fmt.Sprintf("ws://%s:%d%s", cc.Address, cc.Port, cc.WebSocketEndpoint),
			Logger: logger,
		})
	case config.TransportWebTransport:
		return transport.DialWebTransport(dialCtx, transport.WebTransportClientParams{
			URL:                fmt.Sprintf("https://%s:%d%s", cc.Address, cc.Port, cc.WebSocketEndpoint),
			InsecureSkipVerify: cc.InsecureSkipVerify,
			Logger:             logger,
		})
	default:
		return transport.DialTCP(dialCtx, transport.TCPClientParams{
			Address: cc.Address,
			Port:    cc.Port,
			Logger:  logger,
		})
	}
}

func run(ctx context.Context, cc *config.ClientConfig, tr transport.ClientTransport, logger *zap.Logger) error {
	cl, err := client.Connect(client.ConnectConf{
		Name:               cc.Name,
		Version:            cc.Version,
		Heartbeat:          cc.Heartbeat,
		FrameBufferAdvance: cc.FrameBufferAdvance,
		InputResend:        cc.InputResend,
		MaxStall:           cc.MaxStall,
		MagicNumber:        cc.MagicNumber,
		Logger:             logger,
	}, tr)
	defer tr.Close()
	if err != nil {
		return err
	}
	defer cl.Close()

	var world *countersim.World
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		res := cl.Poll(countersim.Input(int8(rng.Intn(3) - 1)))
		switch res.Kind {
		case client.PollResultKind_World:
			loaded, err := countersim.Load(res.World)
			if err != nil {
				return err
			}
			world = loaded
			logger.Info("Loaded world", zap.Uint32("frame", uint32(res.WorldFrame)))

		case client.PollResultKind_Inputs:
			if world == nil {
				return errors.New("frames arrived before the world")
			}
			for _, f := range res.Frames {
				if err := world.Apply(f); err != nil {
					return err
				}
				if f.Frame%100 == 0 {
					hash := world.Hash()
					logger.Info("World",
						zap.Uint32("frame", uint32(f.Frame)),
						zap.Stringer("state", cl.State()),
						zap.Int64("total", world.Total),
						zap.Binary("hash", hash[:8]))
				}
			}

		case client.PollResultKind_Refused:
			return fmt.Errorf("refused by server: %s", res.Reason)

		case client.PollResultKind_Disconnected:
			return res.Err
		}
	}
}
