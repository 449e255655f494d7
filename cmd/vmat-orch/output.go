package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	faint  = color.New(color.Faint).SprintFunc()
)

func colorStatus(s domain.RunStatus) string {
	switch s {
	case domain.RunCompleted:
		return green(string(s))
	case domain.RunDosePending:
		return cyan(string(s))
	case domain.RunQueued, domain.RunRunning:
		return yellow(string(s))
	case domain.RunFailed, domain.RunReconstructionFailed:
		return red(string(s))
	}
	return string(s)
}

func backendLabel(r *domain.Run) string {
	if r.Backend == "" {
		return "-"
	}
	if r.Fallback {
		return r.Backend + " " + yellow("(fallback)")
	}
	return r.Backend
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func runDuration(r *domain.Run) string {
	if r.FinishedAt == nil {
		return "-"
	}
	return r.FinishedAt.Sub(r.CreatedAt).Round(time.Second).String()
}

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func printRuns(w io.Writer, runs []*domain.Run) {
	tw := newTable(w)
	fmt.Fprintln(tw, "RUN\tCASE\tSTATUS\tBACKEND\tCREATED\tDURATION")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.CaseID, colorStatus(r.Status), backendLabel(r), since(r.CreatedAt), runDuration(r))
	}
	tw.Flush()
}

func printCriteria(w io.Writer, rows []domain.CriteriaRow) {
	if len(rows) == 0 {
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "STRUCTURE\tCONSTRAINT\tLIMIT\tGOAL\tPLAN\t")
	for _, row := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			row.Structure, row.Constraint,
			formatValue(row.Limit, row.Unit), formatValue(row.Goal, row.Unit), formatValue(row.PlanValue, row.Unit),
			verdict(row))
	}
	tw.Flush()
}

func formatValue(v *float64, unit string) string {
	if v == nil {
		return faint("-")
	}
	return fmt.Sprintf("%.2f %s", *v, unit)
}

func verdict(row domain.CriteriaRow) string {
	switch {
	case row.PlanValue == nil:
		return faint("n/a")
	case row.LimitMet != nil && !*row.LimitMet:
		return red("limit exceeded")
	case row.GoalMet != nil && !*row.GoalMet:
		return yellow("goal missed")
	}
	return green("ok")
}

func printMetrics(w io.Writer, metrics map[string]map[string]float64) {
	if len(metrics) == 0 {
		return
	}
	tw := newTable(w)
	fmt.Fprintln(tw, "STRUCTURE\tMETRICS")
	for _, name := range sortedKeys(metrics) {
		m := metrics[name]
		parts := make([]string, 0, len(m))
		for _, k := range sortedKeys(m) {
			parts = append(parts, fmt.Sprintf("%s=%.2f", k, m[k]))
		}
		fmt.Fprintf(tw, "%s\t%s\n", name, strings.Join(parts, "  "))
	}
	tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
