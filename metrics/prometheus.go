package metrics

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/linchenxuan/conduit/log"
)

const (
	_defaultChanSize     = 1 << 16
	_serviceName         = "conduit-exporter"
	_healthCheckInterval = 30 * time.Second
	_pushTimeout         = 5 * time.Second
)

// PrometheusReporterConfig configures the Prometheus reporter.
type PrometheusReporterConfig struct {
	Tag             string            `mapstructure:"tag"`
	HTTPListenAddr  string            `mapstructure:"httpListenAddr"`
	MetricPath      string            `mapstructure:"metricPath"`
	HealthCheckPath string            `mapstructure:"healthCheckPath"`
	EnableHealth    bool              `mapstructure:"enableHealthCheck"`
	UsePush         bool              `mapstructure:"usePush"`
	PushAddr        string            `mapstructure:"pushAddr"`
	PushJobName     string            `mapstructure:"pushJobName"`
	PushIntervalSec int               `mapstructure:"pushIntervalSec"`
	ChanSize        int               `mapstructure:"chanSize"`
	ExtLabels       map[string]string `mapstructure:"extLabels"`
}

func (c *PrometheusReporterConfig) setDefaults() {
	if c.MetricPath == "" {
		c.MetricPath = "/metrics"
	}
	if c.HealthCheckPath == "" {
		c.HealthCheckPath = "/health"
	}
	if c.PushIntervalSec <= 0 {
		c.PushIntervalSec = 15
	}
	if c.ChanSize <= 0 {
		c.ChanSize = _defaultChanSize
	}
}

// promGauge tracks the running sum and count needed for averaging policies.
type promGauge struct {
	prometheus.Gauge
	value float64
	cnt   int
	max   float64
	seen  bool
}

func (p *promGauge) merge(rc *Record) error {
	switch rc.Metrics().Policy() {
	case Policy_Set:
		p.Set(float64(rc.Value()))
	case Policy_Sum:
		p.Add(float64(rc.Value()))
	case Policy_Max:
		if v := float64(rc.Value()); !p.seen || v > p.max {
			p.max, p.seen = v, true
			p.Set(v)
		}
	case Policy_Avg, Policy_Stopwatch:
		v, c := rc.RawData()
		p.value += float64(v)
		p.cnt += c
		if p.cnt <= 0 {
			return errors.Errorf("metrics(%s) count invalid", rc.Metrics().Name())
		}
		p.Set(p.value / float64(p.cnt))
	default:
		return errors.Errorf("metrics(%s) policy invalid", rc.Metrics().Name())
	}
	return nil
}

// promMetric is either a prometheus.Counter or a *promGauge.
type promMetric interface {
	merge(rc *Record) error
}

type promCounter struct {
	prometheus.Counter
}

func (p promCounter) merge(rc *Record) error {
	v := float64(rc.Value())
	if v < 0 {
		return errors.Errorf("counter(%s) cannot decrease", rc.Metrics().Name())
	}
	p.Add(v)
	return nil
}

// PrometheusReporter converts records into Prometheus collectors on its own
// registry and serves them over HTTP, a push gateway, or both.
type PrometheusReporter struct {
	cfg          *PrometheusReporterConfig
	registry     *prometheus.Registry
	promSvr      *http.Server
	addr         net.Addr
	metricsChan  chan Record
	metrics      map[string]promMetric
	ctx          context.Context
	cancel       context.CancelFunc
	done         chan struct{}
	healthStatus atomic.Int32
	lastHealth   atomic.Int64
	dropped      atomic.Uint64
}

// NewPrometheusReporter starts the aggregation goroutine and, when an
// address is configured, the HTTP exporter.
func NewPrometheusReporter(cfg *PrometheusReporterConfig) (*PrometheusReporter, error) {
	if cfg == nil {
		cfg = &PrometheusReporterConfig{}
	}
	cfg.setDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	x := &PrometheusReporter{
		cfg:         cfg,
		registry:    prometheus.NewRegistry(),
		metricsChan: make(chan Record, cfg.ChanSize),
		metrics:     map[string]promMetric{},
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	x.lastHealth.Store(time.Now().UnixNano())

	if err := x.start(); err != nil {
		x.Stop()
		return nil, err
	}
	return x, nil
}

func (x *PrometheusReporter) FactoryName() string { return "prometheus" }

// Registry exposes the registry the reporter's collectors live in.
func (x *PrometheusReporter) Registry() *prometheus.Registry { return x.registry }

// Addr returns the HTTP exporter's address, or nil when it is disabled.
func (x *PrometheusReporter) Addr() net.Addr { return x.addr }

// Report queues r for aggregation. A full queue drops the record.
func (x *PrometheusReporter) Report(r Record) {
	select {
	case x.metricsChan <- r:
	default:
		if x.dropped.Add(1)%1000 == 1 {
			log.Error().Uint64("dropped", x.dropped.Load()).Msg("metrics chan full")
		}
	}
}

func (x *PrometheusReporter) start() error {
	go x.aggregate()
	if x.cfg.HTTPListenAddr != "" {
		if err := x.startHTTPSvr(); err != nil {
			return err
		}
	}
	if x.cfg.UsePush {
		go x.push()
	}
	if x.cfg.EnableHealth {
		go x.healthLoop()
	}
	return nil
}

// Stop ends the background goroutines and closes the HTTP exporter.
func (x *PrometheusReporter) Stop() {
	x.cancel()
	<-x.done
	if x.promSvr != nil {
		if err := x.promSvr.Close(); err != nil {
			log.Error().Err(err).Msg("prometheus http stop")
		}
		x.promSvr = nil
	}
}

func (x *PrometheusReporter) startHTTPSvr() error {
	l, err := net.Listen("tcp", x.cfg.HTTPListenAddr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", x.cfg.HTTPListenAddr)
	}

	mux := http.NewServeMux()
	mux.Handle(x.cfg.MetricPath, promhttp.HandlerFor(x.registry, promhttp.HandlerOpts{}))
	if x.cfg.EnableHealth {
		mux.HandleFunc(x.cfg.HealthCheckPath, x.healthCheckHandler)
	}

	x.addr = l.Addr()
	x.promSvr = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func(srv *http.Server) {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("prometheus http serve")
		}
	}(x.promSvr)
	log.Info().Str("addr", x.addr.String()).Str("path", x.cfg.MetricPath).Msg("prometheus http start listen on")
	return nil
}

func (x *PrometheusReporter) push() {
	pusher := push.New(x.cfg.PushAddr, x.cfg.PushJobName).Gatherer(x.registry)
	t := time.NewTicker(time.Duration(x.cfg.PushIntervalSec) * time.Second)
	defer t.Stop()
	for {
		select {
		case <-x.ctx.Done():
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(x.ctx, _pushTimeout)
			if err := pusher.PushContext(ctx); err != nil {
				log.Error().Err(err).Str("addr", x.cfg.PushAddr).Msg("prometheus push")
			}
			cancel()
		}
	}
}

func (x *PrometheusReporter) aggregate() {
	defer close(x.done)
	for {
		select {
		case rc := <-x.metricsChan:
			x.merge(&rc)
		case <-x.ctx.Done():
			return
		}
	}
}

func (x *PrometheusReporter) healthLoop() {
	t := time.NewTicker(_healthCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-x.ctx.Done():
			return
		case <-t.C:
			x.performHealthCheck()
		}
	}
}

// performHealthCheck marks the reporter unhealthy while its queue is more
// than 90% full.
func (x *PrometheusReporter) performHealthCheck() {
	usage := float64(len(x.metricsChan)) / float64(cap(x.metricsChan))
	if usage > 0.9 {
		x.healthStatus.Store(1)
		log.Warn().Float64("chan_usage", usage).Msg("metrics health check failed")
	} else {
		x.healthStatus.Store(0)
	}
	x.lastHealth.Store(time.Now().UnixNano())
}

func (x *PrometheusReporter) healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status, code := "healthy", http.StatusOK
	if x.healthStatus.Load() != 0 {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"service":   _serviceName,
		"lastCheck": time.Unix(0, x.lastHealth.Load()).Format(time.RFC3339),
	})
}

func (x *PrometheusReporter) merge(rc *Record) {
	key := x.getFullName(rc)
	if m, ok := x.metrics[key]; ok {
		if err := m.merge(rc); err != nil {
			log.Error().Err(err).Str("metric", key).Msg("prometheus merge")
		}
		return
	}

	opts := x.newOpts(rc)
	var (
		m promMetric
		c prometheus.Collector
	)
	switch rc.Metrics().(type) {
	case Counter:
		counter := prometheus.NewCounter(prometheus.CounterOpts(opts))
		m, c = promCounter{counter}, counter
	case Gauge, StopWatch:
		g := &promGauge{Gauge: prometheus.NewGauge(prometheus.GaugeOpts(opts))}
		m, c = g, g.Gauge
	default:
		log.Error().Str("metric", key).Msg("prometheus merge unknown metric type")
		return
	}
	if err := x.registry.Register(c); err != nil {
		log.Error().Err(err).Str("metric", key).Msg("prometheus register")
		return
	}
	x.metrics[key] = m
	if err := m.merge(rc); err != nil {
		log.Error().Err(err).Str("metric", key).Msg("prometheus merge")
	}
}

func (x *PrometheusReporter) newOpts(rc *Record) prometheus.Opts {
	labels := make(prometheus.Labels, len(rc.Dimensions())+len(x.cfg.ExtLabels))
	for k, v := range x.cfg.ExtLabels {
		labels[k] = v
	}
	for k, v := range rc.Dimensions() {
		labels[k] = v
	}
	name := sanitize(rc.Metrics().Name())
	return prometheus.Opts{
		Subsystem:   sanitize(rc.Metrics().Group()),
		Name:        name,
		Help:        name,
		ConstLabels: labels,
	}
}

// getFullName keys a record by group, name and sorted dimensions.
func (x *PrometheusReporter) getFullName(rc *Record) string {
	var sb strings.Builder
	sb.Grow(128)
	sb.WriteString(rc.Metrics().Group())
	sb.WriteByte('*')
	sb.WriteString(rc.Metrics().Name())
	sb.WriteByte('*')

	keys := make([]string, 0, len(rc.Dimensions()))
	for k := range rc.Dimensions() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte(':')
		sb.WriteString(rc.Dimensions()[k])
		sb.WriteByte(',')
	}
	return sb.String()
}

func sanitize(s string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(s)
}
