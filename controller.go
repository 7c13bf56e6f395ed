package main

import (
	"context"
	"sync"
	"time"

	log "github.com/Financial-Times/go-logger"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPingFrequency       = 60 * time.Second
	defaultMaxConcurrentProbes = 10
)

type monitorConfig struct {
	interval             time.Duration
	cycleTimeout         time.Duration
	maxConcurrentProbes  int
	failOnDiscoveryError bool
}

// monitor owns the known-service set and drives the discover, probe, sleep cycle.
type monitor struct {
	inventory inventory
	prober    prober
	known     *knownServices
	metrics   *healthMetrics
	config    monitorConfig

	mu               sync.RWMutex
	lastDiscoveryErr error
	lastDiscovery    time.Time
}

func newMonitor(inv inventory, p prober, metrics *healthMetrics, config monitorConfig) *monitor {
	if config.interval <= 0 {
		config.interval = defaultPingFrequency
	}
	if config.cycleTimeout <= 0 {
		config.cycleTimeout = config.interval
	}
	if config.maxConcurrentProbes <= 0 {
		config.maxConcurrentProbes = defaultMaxConcurrentProbes
	}

	return &monitor{
		inventory: inv,
		prober:    p,
		known:     newKnownServices(),
		metrics:   metrics,
		config:    config,
	}
}

// run repeats the monitoring cycle until ctx is cancelled. It only returns an error
// when discovery fails and the monitor is configured to give up on discovery errors.
func (m *monitor) run(ctx context.Context) error {
	log.Infof("Started monitoring services every %v", m.config.interval)
	for {
		if err := m.runCycle(ctx); err != nil {
			return err
		}

		timer := time.NewTimer(m.config.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			log.Infof("Monitoring stopped")
			return nil
		case <-timer.C:
		}
	}
}

func (m *monitor) runCycle(ctx context.Context) error {
	err := m.discover(ctx)
	if ctx.Err() != nil {
		return nil
	}
	if err != nil && m.config.failOnDiscoveryError {
		return err
	}

	m.probeAll(ctx, m.known.list())
	return nil
}

func (m *monitor) discover(ctx context.Context) error {
	services, err := m.inventory.discover(ctx)
	m.recordDiscovery(err)
	if err != nil {
		m.metrics.discoveryErrors.Inc()
		log.WithError(err).Errorf("Service discovery failed, probing the %d previously known services", m.known.size())
		return err
	}

	for _, name := range m.known.merge(services) {
		s, _ := m.known.get(name)
		log.Infof("Started monitoring service %s in namespace %s", name, s.namespace)
	}
	m.metrics.knownServices.Set(float64(m.known.size()))
	return nil
}

func (m *monitor) probeAll(ctx context.Context, services []serviceDescriptor) {
	ctx, cancel := context.WithTimeout(ctx, m.config.cycleTimeout)
	defer cancel()

	g := new(errgroup.Group)
	g.SetLimit(m.config.maxConcurrentProbes)
	for _, s := range services {
		s := s
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				log.Warnf("Service %s in namespace %s left unprobed this cycle: %v", s.name, s.namespace, err)
				return nil
			}
			m.prober.probe(ctx, s)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *monitor) recordDiscovery(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastDiscoveryErr = err
	m.lastDiscovery = time.Now()
}

func (m *monitor) discoveryStatus() (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastDiscovery, m.lastDiscoveryErr
}
