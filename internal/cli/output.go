// Package cli renders operator output for rescuectl.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/R3E-Network/animal_rescue/internal/incident"
	"github.com/R3E-Network/animal_rescue/internal/journal"
	"github.com/R3E-Network/animal_rescue/internal/reconcile"
	"github.com/R3E-Network/animal_rescue/internal/resolver"
)

// Color codes for terminal output
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBold   = "\033[1m"
)

// Printer writes human or JSON output.
type Printer struct {
	w     io.Writer
	json  bool
	color bool
	now   func() time.Time
}

// NewPrinter writes to w. Color is used only when w is a terminal.
func NewPrinter(w io.Writer, asJSON bool) *Printer {
	return &Printer{w: w, json: asJSON, color: isTerminal(w), now: time.Now}
}

// JSON reports whether the printer emits JSON.
func (p *Printer) JSON() bool { return p.json }

func (p *Printer) colorize(text, color string) string {
	if !p.color {
		return text
	}
	return color + text + ColorReset
}

// Success prints a success line.
func (p *Printer) Success(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.colorize("✓", ColorGreen), message)
}

// Warning prints a warning line.
func (p *Printer) Warning(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.colorize("⚠", ColorYellow), message)
}

// Error prints an error line.
func (p *Printer) Error(message string) {
	fmt.Fprintf(p.w, "%s %s\n", p.colorize("✗", ColorRed), message)
}

// Value prints v as indented JSON.
func (p *Printer) Value(v interface{}) error {
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *Printer) stateColor(s journal.State) string {
	switch s {
	case journal.StateDone:
		return p.colorize(string(s), ColorGreen)
	case journal.StateSurfaced, journal.StateReverted:
		return p.colorize(string(s), ColorRed)
	default:
		return p.colorize(string(s), ColorYellow)
	}
}

// Records prints a table of journal records.
func (p *Printer) Records(recs []journal.Record) error {
	if p.json {
		return p.Value(recs)
	}
	if len(recs) == 0 {
		fmt.Fprintln(p.w, "no records")
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tENTITY\tOPERATION\tSTATE\tATTEMPTS\tAGE\tLAST ERROR")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			r.ID, r.EntityKey, r.Operation, p.stateColor(r.State), r.Attempts,
			formatDuration(p.now().Sub(r.CreatedAt)), truncate(r.LastError, 60))
	}
	return tw.Flush()
}

// Record prints one journal record in detail.
func (p *Printer) Record(r journal.Record) error {
	if p.json {
		return p.Value(r)
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "id\t%s\n", r.ID)
	fmt.Fprintf(tw, "entity\t%s\n", r.EntityKey)
	fmt.Fprintf(tw, "operation\t%s\n", r.Operation)
	fmt.Fprintf(tw, "tx\t%s\n", r.TxHash)
	fmt.Fprintf(tw, "state\t%s\n", p.stateColor(r.State))
	fmt.Fprintf(tw, "attempts\t%d\n", r.Attempts)
	if !r.NextAttemptAt.IsZero() {
		fmt.Fprintf(tw, "next attempt\t%s\n", r.NextAttemptAt.Format(time.RFC3339))
	}
	if r.LastError != "" {
		fmt.Fprintf(tw, "last error\t%s\n", r.LastError)
	}
	if len(r.Result) > 0 {
		fmt.Fprintf(tw, "result\t%s\n", r.Result)
	}
	return tw.Flush()
}

// Incidents prints a table of incidents.
func (p *Printer) Incidents(list []incident.Incident) error {
	if p.json {
		return p.Value(list)
	}
	if len(list) == 0 {
		fmt.Fprintln(p.w, "no incidents")
		return nil
	}
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tENTITY\tTX\tAGE\tACK\tMESSAGE")
	for _, inc := range list {
		ack := ""
		if inc.Acknowledged {
			ack = "yes"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			inc.ID, p.colorize(string(inc.Kind), ColorBold), inc.EntityKey, inc.TxHash,
			formatDuration(p.now().Sub(inc.CreatedAt)), ack, truncate(inc.Message, 60))
	}
	return tw.Flush()
}

// Pass prints a reconciliation pass report.
func (p *Printer) Pass(r reconcile.PassReport) error {
	if p.json {
		return p.Value(r)
	}
	fmt.Fprintf(p.w, "scanned %d, settled %d, deferred %d, failed %d, surfaced %d, repaired %d, still open %d\n",
		r.Scanned, r.Settled, r.Deferred, r.Failed, r.Surfaced, r.Repaired, r.Open)
	return nil
}

// Resolution prints the outcome of token id recovery.
func (p *Printer) Resolution(r resolver.Result) error {
	if p.json {
		return p.Value(r)
	}
	if r.Resolved {
		p.Success(fmt.Sprintf("token %d (via %s)", r.TokenID, r.Strategy))
	} else {
		p.Error("token id not resolved")
	}
	for _, a := range r.Attempts {
		line := fmt.Sprintf("  %-12s %s", a.Strategy, a.Outcome)
		if a.Detail != "" {
			line += ": " + a.Detail
		}
		fmt.Fprintln(p.w, line)
	}
	return nil
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return "< 1s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
