// Command pipcd is the PIPC daemon. It owns the registry of one PIPC domain,
// hands out node ids over the process registration socket, creates the shared
// memory sockets between processes and relays provider availability. Unless
// disabled it also hosts the application service discovery provider.
//
// Usage:
//
//	pipcd -config /etc/pipc.json
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	comsd "github.com/linchenxuan/pipc/com/sd"
	"github.com/linchenxuan/pipc/config"
	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/plugin"
	"github.com/linchenxuan/pipc/procreg"
	"github.com/linchenxuan/pipc/runtime"
	"github.com/linchenxuan/pipc/sd"
	"github.com/linchenxuan/pipc/utils/file"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

// comsdName is the process name the discovery provider registers under.
const comsdName = "comsd"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pipcd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := flag.String("config", "", "JSON configuration file")
	prefix := flag.String("prefix", "", "override the path prefix of the domain")
	noComSd := flag.Bool("no-comsd", false, "do not host the service discovery provider")
	version := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("pipcd version %d, built %d\n", runtime.GetVersion(), runtime.GetBuildTime())
		return nil
	}

	cfg, err := loadConfig(*cfgPath, *prefix)
	if err != nil {
		return err
	}
	if err := log.Initialize(&cfg.Log); err != nil {
		return err
	}
	defer log.Close()

	paths := cfg.Paths()
	lock := file.NewFileLock(paths.Lock())
	if err := lock.Lock(); err != nil {
		if errors.Is(err, file.ErrLocked) {
			return fmt.Errorf("another pipcd owns %s", paths.Prefix)
		}
		return err
	}
	defer lock.Unlock()

	pm := plugin.NewManager()
	pm.RegisterFactory(&metrics.PrometheusFactory{})
	if err := pm.SetupPlugins(cfg.Plugin); err != nil {
		return err
	}
	defer pm.DestroyPlugins()

	srv, err := sd.NewServer(cfg.Daemon, paths, cfg.Socket)
	if err != nil {
		return err
	}
	reg, err := procreg.Listen(paths.ProcReg(), srv)
	if err != nil {
		return multierr.Append(err, srv.Close())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("prefix", paths.Prefix).Str("procreg", paths.ProcReg()).
		Uint32("version", runtime.GetVersion()).Msg("pipcd started")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Serve(ctx, reg)
	})
	if !*noComSd {
		g.Go(func() error {
			return serveComSd(ctx, cfg)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	log.Info().Err(err).Msg("pipcd stopped")
	return err
}

func loadConfig(path, prefix string) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	if prefix != "" {
		cfg.Prefix = prefix
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// serveComSd runs the discovery provider as a client of the daemon until ctx ends.
func serveComSd(ctx context.Context, cfg *config.Config) error {
	rt, err := runtime.New(ctx, runtime.Options{
		Paths:      cfg.Paths(),
		Name:       comsdName,
		Endpoints:  cfg.Endpoints,
		Dispatcher: &cfg.Dispatcher,
		OnCriticalError: func(err error) {
			log.Error().Err(err).Msg("comsd critical error")
		},
	})
	if err != nil {
		return fmt.Errorf("comsd runtime: %w", err)
	}
	s, err := comsd.NewServer(ctx, rt, comsd.ProviderID)
	if err != nil {
		return multierr.Append(fmt.Errorf("comsd server: %w", err), rt.Close())
	}
	log.Info().Stringer("id", rt.Identity()).Msg("comsd serving")

	<-ctx.Done()
	// The daemon may already be gone by now.
	if err := multierr.Combine(s.Close(), rt.Close()); err != nil {
		log.Warn().Err(err).Msg("comsd shutdown")
	}
	return nil
}
