package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	log "github.com/Financial-Times/go-logger"
)

const defaultProbeTimeout = 5 * time.Second

type httpClient interface {
	Do(req *http.Request) (*http.Response, error)
}

type prober interface {
	probe(ctx context.Context, service serviceDescriptor) healthStatus
}

type healthProber struct {
	httpClient httpClient
	healthPath string
	timeout    time.Duration
	metrics    *healthMetrics
}

func newHealthProber(healthPath string, metrics *healthMetrics) *healthProber {
	return &healthProber{
		httpClient: &http.Client{
			Timeout: defaultProbeTimeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 10,
				DialContext: (&net.Dialer{
					Timeout:   defaultProbeTimeout,
					KeepAlive: 30 * time.Second,
				}).DialContext,
			},
		},
		healthPath: healthPath,
		timeout:    defaultProbeTimeout,
		metrics:    metrics,
	}
}

// probe checks the health endpoint of the service and records the outcome in the service health gauge.
// Failures never reach the caller; they are logged and reported as unhealthy. When ctx ends before the
// probe's own timeout, the gauge is left untouched.
func (p *healthProber) probe(ctx context.Context, service serviceDescriptor) healthStatus {
	start := time.Now()
	err := p.checkServiceHealth(ctx, service)

	// ctx ended before the probe's own timeout: keep the last reported value.
	if err != nil && ctx.Err() != nil {
		log.Warnf("Healthcheck for service %s in namespace %s interrupted (%v), keeping its previous health value", service.name, service.namespace, ctx.Err())
		return unhealthy
	}
	p.metrics.observeProbe(service.name, service.namespace, time.Since(start))

	status := healthy
	if err != nil {
		log.WithError(err).Errorf("Healthcheck failed for service %s in namespace %s", service.name, service.namespace)
		status = unhealthy
	} else {
		log.Debugf("Service %s in namespace %s is healthy", service.name, service.namespace)
	}

	p.metrics.setHealth(service.name, service.namespace, status.gaugeValue())
	return status
}

func (p *healthProber) checkServiceHealth(ctx context.Context, service serviceDescriptor) error {
	healthURL, err := buildHealthURL(service, p.healthPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return fmt.Errorf("error constructing healthcheck request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("error performing healthcheck request: %w", err)
	}

	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		if err := resp.Body.Close(); err != nil {
			log.WithError(err).Errorf("Cannot close response body reader.")
		}
	}()

	if !isSuccessStatus(resp.StatusCode) {
		return fmt.Errorf("healthcheck endpoint %s returned non-success status (%v)", healthURL, resp.StatusCode)
	}

	return nil
}

var (
	errNoPorts   = errors.New("service exposes no ports")
	errNoAddress = errors.New("service has no cluster IP")
)

func buildHealthURL(service serviceDescriptor, healthPath string) (string, error) {
	if len(service.ports) == 0 {
		return "", errNoPorts
	}
	if service.address == "" || service.address == "None" {
		return "", errNoAddress
	}

	host := net.JoinHostPort(service.address, strconv.Itoa(int(service.ports[0])))
	return fmt.Sprintf("http://%s%s", host, healthPath), nil
}

func isSuccessStatus(code int) bool {
	return code >= http.StatusOK && code < http.StatusBadRequest
}
