// Package detector decides whether a running service is healthy.
package detector

import (
	"context"
	"net/http"
	"strings"

	"github.com/loykin/devstack/internal/probe"
	"github.com/loykin/devstack/internal/process"
)

// Detector is a health check strategy for one service.
// It must be safe for concurrent use.
type Detector interface {
	// Check reports health and a short status such as "HTTP 200" or "PORT open".
	Check(ctx context.Context) (ok bool, status string)
	// Describe returns a human-readable description of the check.
	Describe() string
}

// HTTPDetector requires a 2xx answer from URL.
type HTTPDetector struct {
	URL    string
	Client *http.Client
}

func (d HTTPDetector) Check(ctx context.Context) (bool, string) {
	return probe.HTTPOK(ctx, d.Client, d.URL)
}

func (d HTTPDetector) Describe() string { return "http:" + d.URL }

// PortDetector requires something to accept connections on Port.
type PortDetector struct {
	Port int
	Open func(port int) bool
}

func (d PortDetector) Check(_ context.Context) (bool, string) {
	if d.Open(d.Port) {
		return true, "PORT open"
	}
	return false, "PORT closed"
}

func (d PortDetector) Describe() string { return "port:" + itoa(d.Port) }

// RunningDetector is used for services with neither a port nor a health
// check: a live process is all there is to know.
type RunningDetector struct{}

func (RunningDetector) Check(_ context.Context) (bool, string) { return true, "running" }
func (RunningDetector) Describe() string                       { return "process" }

// For picks the check for spec: health URL, then health command, then the
// service port. open is consulted by the port check.
func For(spec process.Spec, open func(int) bool, client *http.Client) Detector {
	switch {
	case strings.TrimSpace(spec.HealthURL) != "":
		return HTTPDetector{URL: spec.HealthURL, Client: client}
	case strings.TrimSpace(spec.HealthCmd) != "":
		return CommandDetector{Command: spec.HealthCmd, Dir: spec.WorkDir}
	case spec.Port > 0:
		return PortDetector{Port: spec.Port, Open: open}
	default:
		return RunningDetector{}
	}
}
