// Package probe runs startup checks before the server accepts traffic.
package probe

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// perProbeTimeout bounds each individual check so a hung dependency
// cannot stall startup indefinitely.
const perProbeTimeout = 5 * time.Second

// CheckFunc performs one health check and returns nil when it passes.
type CheckFunc func(ctx context.Context) error

// Probe is a single startup check. Critical failures abort startup;
// non-critical ones are only logged.
type Probe struct {
	Name     string
	Check    CheckFunc
	Critical bool
}

// Result is the outcome of one probe.
type Result struct {
	Probe    Probe
	Error    error
	Duration time.Duration
}

// Run executes the probes in order and collects their results.
func Run(ctx context.Context, probes []Probe) []Result {
	results := make([]Result, len(probes))
	for i, p := range probes {
		start := time.Now()
		probeCtx, cancel := context.WithTimeout(ctx, perProbeTimeout)
		err := p.Check(probeCtx)
		cancel()
		results[i] = Result{Probe: p, Error: err, Duration: time.Since(start)}
	}
	return results
}

// AnalyzeResults logs a summary and returns a combined error when any
// critical probe failed.
func AnalyzeResults(results []Result) error {
	var criticalErrors []error

	slog.Info("Startup checks summary")
	for _, r := range results {
		status := "PASS"
		if r.Error != nil {
			status = "FAIL"
		}
		msg := fmt.Sprintf("[%s] %-24s (%v)", status, r.Probe.Name, r.Duration.Round(time.Millisecond))
		if r.Error != nil {
			slog.Error(msg, "error", r.Error)
			if r.Probe.Critical {
				criticalErrors = append(criticalErrors, fmt.Errorf("%s: %w", r.Probe.Name, r.Error))
			}
		} else {
			slog.Info(msg)
		}
	}

	if len(criticalErrors) > 0 {
		return errors.Join(criticalErrors...)
	}
	return nil
}
