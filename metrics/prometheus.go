package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	_metricsChanSize = 4096
	// PrometheusFactoryName is the plugin name of the Prometheus reporter.
	PrometheusFactoryName = "prometheus"
)

// PrometheusReporterConfig configures the Prometheus reporter plugin.
type PrometheusReporterConfig struct {
	Tag             string            `mapstructure:"tag"`
	ListenAddr      string            `mapstructure:"listenAddr"` // empty disables the HTTP endpoint
	MetricPath      string            `mapstructure:"metricPath"`
	PushAddr        string            `mapstructure:"pushAddr"`
	PushIntervalSec int               `mapstructure:"pushIntervalSec"`
	PushJobName     string            `mapstructure:"pushJobName"`
	ExtLabels       map[string]string `mapstructure:"extLabels"`
}

// Validate fills defaults and checks push settings.
func (c *PrometheusReporterConfig) Validate() error {
	if c.MetricPath == "" {
		c.MetricPath = "/metrics"
	}
	if c.PushAddr != "" {
		if c.PushJobName == "" {
			return errors.New("pushJobName is required when pushAddr is set")
		}
		if c.PushIntervalSec <= 0 {
			c.PushIntervalSec = 15
		}
	}
	return nil
}

// promGauge remembers the gauge value so Policy_Max can compare against it.
type promGauge struct {
	prometheus.Gauge
	value float64
	set   bool
}

func (p *promGauge) merge(rc *Record) {
	v := float64(rc.Value())
	switch rc.Metrics().Policy() {
	case Policy_Max:
		if p.set && v <= p.value {
			return
		}
	case Policy_Sum:
		v += p.value
	}
	p.value, p.set = v, true
	p.Set(v)
}

// PrometheusReporter aggregates records on one goroutine into a private
// prometheus registry, served over HTTP and/or pushed to a gateway.
type PrometheusReporter struct {
	cfg         *PrometheusReporterConfig
	reg         *prometheus.Registry
	factory     promauto.Factory
	metricsChan chan Record
	counters    map[string]prometheus.Counter
	gauges      map[string]*promGauge
	promSvr     *http.Server
	addr        net.Addr
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	stopOnce    sync.Once
}

// NewPrometheusReporter starts the aggregation goroutine plus the optional HTTP server and pusher.
func NewPrometheusReporter(cfg *PrometheusReporterConfig) (*PrometheusReporter, error) {
	if cfg == nil {
		cfg = &PrometheusReporterConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := prometheus.NewRegistry()
	p := &PrometheusReporter{
		cfg:         cfg,
		reg:         reg,
		factory:     promauto.With(reg),
		metricsChan: make(chan Record, _metricsChanSize),
		counters:    map[string]prometheus.Counter{},
		gauges:      map[string]*promGauge{},
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.ListenAddr != "" {
		if err := p.startHTTPSvr(); err != nil {
			cancel()
			return nil, err
		}
	}
	p.startAggregate()
	if cfg.PushAddr != "" {
		p.startPusher()
	}
	return p, nil
}

// FactoryName implements plugin.Plugin.
func (x *PrometheusReporter) FactoryName() string {
	return PrometheusFactoryName
}

// Registry exposes the private registry, for gathering in tests and embedding.
func (x *PrometheusReporter) Registry() *prometheus.Registry {
	return x.reg
}

// Addr is the HTTP listen address, or nil when HTTP is disabled.
func (x *PrometheusReporter) Addr() net.Addr {
	return x.addr
}

// Report queues a record; it drops the record when the queue is full.
func (x *PrometheusReporter) Report(r Record) {
	select {
	case x.metricsChan <- *r.Clone():
	default:
		log.Warn().Str("metric", r.Metrics().Name()).Msg("prometheus metrics chan full")
	}
}

// Stop shuts the reporter down; it is safe to call more than once.
func (x *PrometheusReporter) Stop() {
	x.stopOnce.Do(func() {
		x.cancel()
		if x.promSvr != nil {
			if err := x.promSvr.Close(); err != nil {
				log.Error().Err(err).Msg("prometheus http server close")
			}
		}
		x.wg.Wait()
	})
}

func (x *PrometheusReporter) startHTTPSvr() error {
	l, err := net.Listen("tcp", x.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("prometheus listen %s: %w", x.cfg.ListenAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(x.cfg.MetricPath, promhttp.HandlerFor(x.reg, promhttp.HandlerOpts{}))
	x.promSvr = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	x.addr = l.Addr()

	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		if err := x.promSvr.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("prometheus http serve")
		}
	}()
	log.Info().Str("addr", l.Addr().String()).Str("path", x.cfg.MetricPath).Msg("prometheus http start listen")
	return nil
}

func (x *PrometheusReporter) startPusher() {
	pusher := push.New(x.cfg.PushAddr, x.cfg.PushJobName).Gatherer(x.reg)
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		t := time.NewTicker(time.Duration(x.cfg.PushIntervalSec) * time.Second)
		defer t.Stop()
		for {
			select {
			case <-x.ctx.Done():
				return
			case <-t.C:
				ctx, cancel := context.WithTimeout(x.ctx, 5*time.Second)
				if err := pusher.PushContext(ctx); err != nil {
					log.Error().Err(err).Str("addr", x.cfg.PushAddr).Msg("prometheus push")
				}
				cancel()
			}
		}
	}()
}

func (x *PrometheusReporter) startAggregate() {
	x.wg.Add(1)
	go func() {
		defer x.wg.Done()
		for {
			select {
			case rc := <-x.metricsChan:
				x.merge(&rc)
			case <-x.ctx.Done():
				return
			}
		}
	}()
}

func (x *PrometheusReporter) merge(rc *Record) {
	key := x.getFullName(rc)
	if rc.Metrics().Policy() == Policy_Sum && isCounter(rc.Metrics()) {
		c, ok := x.counters[key]
		if !ok {
			c = x.factory.NewCounter(prometheus.CounterOpts{
				Subsystem:   promName(rc.Metrics().Group()),
				Name:        promName(rc.Metrics().Name()),
				ConstLabels: x.labels(rc),
			})
			x.counters[key] = c
		}
		c.Add(float64(rc.Value()))
		return
	}

	g, ok := x.gauges[key]
	if !ok {
		g = &promGauge{Gauge: x.factory.NewGauge(prometheus.GaugeOpts{
			Subsystem:   promName(rc.Metrics().Group()),
			Name:        promName(rc.Metrics().Name()),
			ConstLabels: x.labels(rc),
		})}
		x.gauges[key] = g
	}
	g.merge(rc)
}

func isCounter(m Metrics) bool {
	_, ok := m.(Counter)
	return ok
}

func promName(s string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(s)
}

func (x *PrometheusReporter) labels(rc *Record) prometheus.Labels {
	l := make(prometheus.Labels, len(x.cfg.ExtLabels)+len(rc.Dimensions()))
	for k, v := range x.cfg.ExtLabels {
		l[k] = v
	}
	for k, v := range rc.Dimensions() {
		l[k] = v
	}
	return l
}

// getFullName keys a record by group, name and sorted dimensions.
func (x *PrometheusReporter) getFullName(rc *Record) string {
	var sb strings.Builder
	sb.WriteString(rc.Metrics().Group())
	sb.WriteString("*")
	sb.WriteString(rc.Metrics().Name())
	sb.WriteString("*")
	keys := make([]string, 0, len(rc.Dimensions()))
	for k := range rc.Dimensions() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteString(":")
		sb.WriteString(rc.Dimensions()[k])
		sb.WriteString(",")
	}
	return sb.String()
}

// PrometheusFactory builds PrometheusReporter plugins and registers them as reporters.
type PrometheusFactory struct{}

var _ plugin.Factory = (*PrometheusFactory)(nil)

func (f *PrometheusFactory) Type() plugin.Type { return plugin.Metrics }
func (f *PrometheusFactory) Name() string      { return PrometheusFactoryName }
func (f *PrometheusFactory) ConfigType() any   { return &PrometheusReporterConfig{} }

// Setup starts a reporter and adds it to the global reporters.
func (f *PrometheusFactory) Setup(cfg any) (plugin.Plugin, error) {
	c, ok := cfg.(*PrometheusReporterConfig)
	if !ok {
		return nil, fmt.Errorf("prometheus factory: unexpected config %T", cfg)
	}
	r, err := NewPrometheusReporter(c)
	if err != nil {
		return nil, err
	}
	AddReporter(r)
	return r, nil
}

// Destroy removes the reporter and stops it.
func (f *PrometheusFactory) Destroy(p plugin.Plugin) {
	r, ok := p.(*PrometheusReporter)
	if !ok {
		return
	}
	RemoveReporter(r)
	r.Stop()
}
