package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"time"

	"propwatch/internal/domain"
)

// metricsHandler serves GET /metrics in the Prometheus text format.
func metricsHandler(svc *service, started time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		snap := metrics.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "# TYPE propwatch_%s_total counter\n", name)
			fmt.Fprintf(w, "propwatch_%s_total %d\n", name, snap[name])
		}

		byStatus := map[domain.ActionStatus]int{}
		for _, a := range svc.listActions(r.Context(), domain.ActionFilter{}) {
			byStatus[a.Status]++
		}
		fmt.Fprintf(w, "# HELP propwatch_actions Queued actions by status.\n")
		fmt.Fprintf(w, "# TYPE propwatch_actions gauge\n")
		for _, st := range []domain.ActionStatus{
			domain.ActionPending, domain.ActionApproved, domain.ActionRejected,
			domain.ActionExecuted, domain.ActionSuperseded, domain.ActionExpired,
		} {
			fmt.Fprintf(w, "propwatch_actions{status=%q} %d\n", st, byStatus[st])
		}

		fmt.Fprintf(w, "# TYPE propwatch_agents gauge\n")
		fmt.Fprintf(w, "propwatch_agents %d\n", len(svc.deps.Agents.Agents()))

		fmt.Fprintf(w, "# TYPE propwatch_uptime_seconds gauge\n")
		fmt.Fprintf(w, "propwatch_uptime_seconds %.0f\n", svc.deps.Now().Sub(started).Seconds())

		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())
	}
}
