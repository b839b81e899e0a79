// Package diagnostics builds the self-test report printed by the
// self-test command.
package diagnostics

import (
	"context"
	"time"
)

const defaultPingTimeout = 2 * time.Second

// Pinger is a backing service that can be probed.
type Pinger interface {
	Ping(ctx context.Context) error
}

type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Check produces one line of the report.
type Check func(ctx context.Context) CheckResult

type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type Report struct {
	Server    ServerInfo    `json:"server"`
	Checks    []CheckResult `json:"checks"`
	AllPassed bool          `json:"all_passed"`
}

func Run(ctx context.Context, server ServerInfo, checks ...Check) Report {
	report := Report{
		Server:    server,
		Checks:    make([]CheckResult, 0, len(checks)),
		AllPassed: true,
	}
	for _, check := range checks {
		res := check(ctx)
		report.AllPassed = report.AllPassed && res.OK
		report.Checks = append(report.Checks, res)
	}
	return report
}

// Wired passes when an adapter was constructed.
func Wired(name string, wired bool) Check {
	return func(context.Context) CheckResult {
		if !wired {
			return CheckResult{Name: name, Error: "not wired"}
		}
		return CheckResult{Name: name, OK: true, Detail: "wired"}
	}
}

// Static reports a fixed outcome, for components with nothing to probe.
func Static(name, detail string) Check {
	return func(context.Context) CheckResult {
		return CheckResult{Name: name, OK: true, Detail: detail}
	}
}

// Reachable pings p. A non-positive timeout uses the default.
func Reachable(name string, p Pinger, timeout time.Duration) Check {
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	return func(ctx context.Context) CheckResult {
		if p == nil {
			return CheckResult{Name: name, Error: "not configured"}
		}
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		startedAt := time.Now()
		if err := p.Ping(pingCtx); err != nil {
			return CheckResult{Name: name, Error: err.Error()}
		}
		return CheckResult{
			Name:   name,
			OK:     true,
			Detail: "reachable in " + time.Since(startedAt).Round(time.Millisecond).String(),
		}
	}
}
