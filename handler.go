package main

import (
	"fmt"
	"net/http"

	fthealth "github.com/Financial-Times/go-fthealth/v1_1"
	log "github.com/Financial-Times/go-logger"
	"github.com/gorilla/mux"
)

const (
	appSystemCode  = "k8s-service-health-exporter"
	appName        = "Kubernetes Service Health Exporter"
	appDescription = "Probes annotated Kubernetes services and exposes their health as Prometheus metrics."
)

type httpHandler struct {
	monitor *monitor
	metrics *healthMetrics
}

func newRouter(h *httpHandler) *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", h.metrics.handler()).Methods(http.MethodGet)
	r.HandleFunc("/__health", fthealth.Handler(h.healthCheck())).Methods(http.MethodGet)
	r.HandleFunc("/__gtg", h.handleGoodToGo).Methods(http.MethodGet)
	return r
}

func (h *httpHandler) healthCheck() fthealth.HealthCheck {
	return fthealth.HealthCheck{
		SystemCode:  appSystemCode,
		Name:        appName,
		Description: appDescription,
		Checks:      []fthealth.Check{h.discoveryCheck()},
	}
}

func (h *httpHandler) discoveryCheck() fthealth.Check {
	return fthealth.Check{
		BusinessImpact:   "Health of annotated services is no longer refreshed from the cluster; newly annotated services are not monitored.",
		Name:             "Kubernetes service discovery",
		PanicGuide:       "Check the exporter's RBAC permissions to list services and the reachability of the Kubernetes API.",
		Severity:         2,
		TechnicalSummary: "The last attempt to list annotated services from the Kubernetes API failed.",
		Checker:          h.checkDiscovery,
	}
}

func (h *httpHandler) checkDiscovery() (string, error) {
	lastDiscovery, err := h.monitor.discoveryStatus()
	if lastDiscovery.IsZero() {
		return "Service discovery has not run yet", nil
	}
	if err != nil {
		return "", fmt.Errorf("service discovery failed at %s: %w", lastDiscovery.UTC().Format("15:04:05 MST"), err)
	}
	return fmt.Sprintf("%d services monitored", h.monitor.known.size()), nil
}

func (h *httpHandler) handleGoodToGo(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=US-ASCII")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	if _, err := h.checkDiscovery(); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		writeBody(w, err.Error())
		return
	}

	writeBody(w, "OK")
}

func writeBody(w http.ResponseWriter, body string) {
	if _, err := w.Write([]byte(body)); err != nil {
		log.WithError(err).Errorf("Cannot write response body.")
	}
}
