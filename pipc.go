// Package pipc assembles a PIPC process: logging, plugins and the runtime that
// talks to the daemon.
package pipc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/linchenxuan/pipc/config"
	"github.com/linchenxuan/pipc/event"
	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/metrics"
	"github.com/linchenxuan/pipc/plugin"
	"github.com/linchenxuan/pipc/runtime"
	"go.uber.org/multierr"
)

// ErrStopped is returned by Reload after Stop.
var ErrStopped = errors.New("pipc stopped")

// PIPC is one process attached to a PIPC domain.
type PIPC struct {
	Config        *config.Config
	Logger        *log.ProcLogger
	PluginManager *plugin.Manager
	Runtime       *runtime.Runtime

	pub     *event.Publisher
	stopped bool
}

// New validates cfg, sets up the default logger and the configured plugins, and
// registers the process with the daemon.
func New(ctx context.Context, cfg *config.Config) (*PIPC, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	// 1. Logger
	if err := log.Initialize(&cfg.Log); err != nil {
		return nil, err
	}
	logger := log.Default()

	// 2. Plugins
	pm := plugin.NewManager()
	pm.RegisterFactory(&metrics.PrometheusFactory{})
	if err := pm.SetupPlugins(cfg.Plugin); err != nil {
		return nil, err
	}

	// 3. Runtime
	rt, err := runtime.New(ctx, runtime.Options{
		Paths:      cfg.Paths(),
		Name:       cfg.ProcessName,
		Endpoints:  cfg.Endpoints,
		Dispatcher: &cfg.Dispatcher,
	})
	if err != nil {
		pm.DestroyPlugins()
		return nil, err
	}

	p := &PIPC{
		Config:        cfg,
		Logger:        logger,
		PluginManager: pm,
		Runtime:       rt,
		pub:           event.NewPublisher(),
	}
	if err := p.pub.NewTopic(event.ReloadConfig, time.Second); err != nil {
		return nil, multierr.Append(err, p.Stop())
	}

	logger.Info().Stringer("id", rt.Identity()).Msg("pipc process initialized")
	return p, nil
}

// OnReload subscribes fn to configuration reloads. fn receives the new *config.Config.
func (p *PIPC) OnReload(fn event.Subscriber) (uint64, error) {
	return p.pub.RegisterSubscriber(event.ReloadConfig, fn)
}

// Reload applies the parts of cfg that can change while running: the log level
// and the dispatcher filters. Paths, names and capacities keep their old values.
func (p *PIPC) Reload(cfg *config.Config) error {
	if p.stopped {
		return ErrStopped
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	disp := cfg.Dispatcher
	if err := p.Runtime.Reload(&disp); err != nil {
		return err
	}
	p.Logger.SetLevel(cfg.Log.LogLevel)
	p.Config.Dispatcher = cfg.Dispatcher
	p.Config.Log.LogLevel = cfg.Log.LogLevel

	p.Logger.Info().Msg("pipc config reloaded")
	return p.pub.Publish(event.ReloadConfig, cfg)
}

// Stop leaves the domain and tears the process components down.
func (p *PIPC) Stop() error {
	if p.stopped {
		return nil
	}
	p.stopped = true
	p.Logger.Info().Msg("pipc process shutting down")

	err := p.Runtime.Close()
	p.PluginManager.DestroyPlugins()
	log.Close()
	return err
}
