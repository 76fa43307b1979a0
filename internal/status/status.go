// Package status assembles and renders gateway health snapshots. The
// daemon serves the snapshot over the control socket; the CLI fetches
// and prints it.
package status

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"switchboard/internal/approval"
	"switchboard/internal/ledger"
	"switchboard/internal/queue"
	"switchboard/internal/uds"
)

type Report struct {
	Daemon           DaemonStatus   `json:"daemon"`
	Runs             map[string]int `json:"runs,omitempty"`
	RecentRuns       []RunSummary   `json:"recent_runs,omitempty"`
	Jobs             map[string]int `json:"jobs,omitempty"`
	PendingApprovals int            `json:"pending_approvals"`
	LedgerIOErrors   int            `json:"ledger_io_errors,omitempty"`
}

type DaemonStatus struct {
	Running bool `json:"running"`
}

type RunSummary struct {
	ID         string `json:"id"`
	SessionKey string `json:"session_key"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
	UpdatedAt  string `json:"updated_at"`
}

// Collect builds a Report from the live stores. Queue errors degrade
// to an empty job section rather than failing the whole snapshot.
func Collect(led *ledger.Ledger, q *queue.Queue, gate *approval.Gate) Report {
	report := Report{
		Daemon: DaemonStatus{Running: true},
		Runs:   map[string]int{},
		Jobs:   map[string]int{},
	}

	if led != nil {
		for status, n := range led.StatusCounts() {
			report.Runs[string(status)] = n
		}
		for _, run := range led.ListRuns("", 10) {
			report.RecentRuns = append(report.RecentRuns, RunSummary{
				ID:         run.ID,
				SessionKey: run.SessionKey,
				Status:     string(run.Status),
				Phase:      string(run.CurrentPhase),
				UpdatedAt:  run.UpdatedAt,
			})
		}
		report.LedgerIOErrors = led.IOErrorCount()
	}

	if q != nil {
		if counts, err := q.StatusCounts(); err == nil {
			for status, n := range counts {
				report.Jobs[string(status)] = n
			}
		}
	}

	if gate != nil {
		report.PendingApprovals = gate.TotalPending()
	}

	return report
}

// Run fetches the gateway's status over the control socket and prints
// it. An unreachable socket renders as a stopped daemon, not an error.
func Run(socketPath string, jsonOutput bool) error {
	report := fetch(socketPath)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	fmt.Print(Render(report))
	return nil
}

func fetch(socketPath string) Report {
	client := uds.NewClient(socketPath)
	resp, err := client.SendCommand(uds.CommandStatus, nil)
	if err != nil || !resp.Success {
		return Report{Daemon: DaemonStatus{Running: false}}
	}

	var report Report
	if err := json.Unmarshal(resp.Data, &report); err != nil {
		return Report{Daemon: DaemonStatus{Running: false}}
	}
	report.Daemon.Running = true
	return report
}

// Render formats a Report as the human-readable status screen.
func Render(r Report) string {
	var b strings.Builder

	if r.Daemon.Running {
		b.WriteString("Gateway: running\n")
	} else {
		b.WriteString("Gateway: stopped\n")
		return b.String()
	}

	b.WriteString("\nRuns:\n")
	if len(r.Runs) == 0 {
		b.WriteString("  none\n")
	} else {
		for _, status := range sortedKeys(r.Runs) {
			fmt.Fprintf(&b, "  %-10s %d\n", status, r.Runs[status])
		}
	}

	if len(r.RecentRuns) > 0 {
		b.WriteString("\nRecent:\n")
		fmt.Fprintf(&b, "  %-14s  %-18s  %-9s  %s\n", "RUN", "SESSION", "STATUS", "PHASE")
		for _, run := range r.RecentRuns {
			fmt.Fprintf(&b, "  %-14s  %-18s  %-9s  %s\n",
				shorten(run.ID, 14), shorten(run.SessionKey, 18), run.Status, run.Phase)
		}
	}

	b.WriteString("\nJobs:\n")
	if len(r.Jobs) == 0 {
		b.WriteString("  none\n")
	} else {
		for _, status := range sortedKeys(r.Jobs) {
			fmt.Fprintf(&b, "  %-10s %d\n", status, r.Jobs[status])
		}
	}

	fmt.Fprintf(&b, "\nPending approvals: %d\n", r.PendingApprovals)
	if r.LedgerIOErrors > 0 {
		fmt.Fprintf(&b, "Ledger write errors: %d\n", r.LedgerIOErrors)
	}
	return b.String()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 1 {
		return s[:max]
	}
	return s[:max-1] + "…"
}
