// Command preers is the peer-to-peer port-forwarding daemon: it joins
// the overlay, keeps rendezvous registrations alive, holds relay
// reservations, and bridges proxy streams to local TCP services.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/libp2p/go-libp2p/core/crypto"
	ma "github.com/multiformats/go-multiaddr"
	"golang.org/x/sync/errgroup"

	"github.com/preers/preers/internal/config"
	"github.com/preers/preers/internal/db"
	"github.com/preers/preers/internal/httpapi"
	"github.com/preers/preers/pkg/p2pnet"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if err := run(); err != nil {
		slog.Error("preers failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	defaults := config.Default()

	var (
		configFile = flag.String("config", "", "path to optional YAML config file")
		port       = flag.Int("port", defaults.Port, "port to listen on, default is any port currently unused (0)")
		dbPath     = flag.String("db", defaults.DB, "path to database")
		httpPort   = flag.Int("http-port", defaults.HTTPPort, "port for restful api")
		isRelay    = flag.Bool("relay", defaults.Relay, "serve as a relay")
		isRdv      = flag.Bool("rendezvous", defaults.Rendezvous, "serve as a rendezvous point")
	)
	flag.Parse()

	if *configFile != "" {
		cfg, err := config.Load(*configFile)
		if err != nil {
			return err
		}
		// File values apply to flags not given on the command line;
		// explicit flags still win.
		explicit := make(map[string]bool)
		flag.Visit(func(f *flag.Flag) { explicit[f.Name] = true })
		if !explicit["port"] {
			*port = cfg.Port
		}
		if !explicit["db"] {
			*dbPath = cfg.DB
		}
		if !explicit["http-port"] {
			*httpPort = cfg.HTTPPort
		}
		if !explicit["relay"] {
			*isRelay = cfg.Relay
		}
		if !explicit["rendezvous"] {
			*isRdv = cfg.Rendezvous
		}
	}

	store, err := db.Open(*dbPath)
	if err != nil {
		return err
	}
	defer store.Close()
	fmt.Printf("Opened database: %s\n", store.Path())

	key, err := loadOrCreateKeypair(store)
	if err != nil {
		return err
	}

	metrics := p2pnet.NewMetrics()
	network, err := p2pnet.New(&p2pnet.Config{
		Key:          key,
		Port:         *port,
		IsRelay:      *isRelay,
		IsRendezvous: *isRdv,
		RendezvousDB: *dbPath + ".rendezvous",
		Metrics:      metrics,
	})
	if err != nil {
		return err
	}
	fmt.Printf("Peer ID: %s\n", network.PeerID())

	if err := network.Start(); err != nil {
		network.Close()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := seedFromStore(ctx, store, network); err != nil {
		network.Close()
		return err
	}

	server := httpapi.NewServer(store, network, metrics)
	if err := server.Start(*httpPort); err != nil {
		network.Close()
		return err
	}

	<-ctx.Done()
	slog.Info("shutting down")

	var g errgroup.Group
	g.Go(func() error { server.Stop(); return nil })
	g.Go(network.Close)
	return g.Wait()
}

// loadOrCreateKeypair restores the node identity from the settings
// table, generating and persisting one on first launch.
func loadOrCreateKeypair(store *db.DB) (crypto.PrivKey, error) {
	raw, err := store.GetSetting(db.KeypairSetting)
	switch {
	case err == nil:
		return p2pnet.UnmarshalIdentity(raw)
	case errors.Is(err, db.ErrNotFound):
		key, raw, err := p2pnet.GenerateIdentity()
		if err != nil {
			return nil, err
		}
		if err := store.SetSetting(db.KeypairSetting, raw); err != nil {
			return nil, err
		}
		slog.Info("generated new identity")
		return key, nil
	default:
		return nil, err
	}
}

// seedFromStore replays the persisted records into the controller:
// stored rendezvous are dialed, stored provided services fill the
// allow-set, stored used services spawn their forwarders.
func seedFromStore(ctx context.Context, store *db.DB, network *p2pnet.Network) error {
	rendezvousList, err := store.Rendezvous()
	if err != nil {
		return err
	}
	for _, r := range rendezvousList {
		addr, err := ma.NewMultiaddr(r.Multiaddr)
		if err != nil {
			slog.Error("skipping stored rendezvous", "multiaddr", r.Multiaddr, "error", err)
			continue
		}
		if err := network.Post(ctx, p2pnet.AddRendezvous{Addr: addr}); err != nil {
			return err
		}
	}

	provided, err := store.ProvidedServices()
	if err != nil {
		return err
	}
	for _, svc := range provided {
		if err := network.Post(ctx, p2pnet.ProvideService{Service: svc}); err != nil {
			return err
		}
	}

	used, err := store.UsedServices()
	if err != nil {
		return err
	}
	for _, svc := range used {
		if err := network.Post(ctx, p2pnet.UseService{Service: svc}); err != nil {
			return err
		}
	}
	return nil
}
