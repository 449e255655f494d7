package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/vmat-orchestrator/internal/criteria"
	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/query"
	"github.com/hochfrequenz/vmat-orchestrator/internal/runstore"
	"github.com/hochfrequenz/vmat-orchestrator/internal/solver"
	"github.com/hochfrequenz/vmat-orchestrator/web/api"
)

var (
	submitServer  string
	submitFile    string
	submitCase    string
	submitSolver  string
	submitMaxTime float64
	submitWait    bool
	submitPoll    time.Duration

	listCase   string
	listStatus string
	listLimit  int

	logsMax      int
	logsProgress bool
)

func init() {
	// submit command
	submitCmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a run to a running server",
		Long: `Submit posts a run config to the server. The config is read from --file
(or stdin with --file -) and merged over the defaults; flags override it.`,
		RunE: runSubmit,
	}
	submitCmd.Flags().StringVar(&submitServer, "server", "", "server base URL (default from config)")
	submitCmd.Flags().StringVarP(&submitFile, "file", "f", "", "JSON run config")
	submitCmd.Flags().StringVar(&submitCase, "case", "", "case id")
	submitCmd.Flags().StringVar(&submitSolver, "solver", "", "preferred or fallback")
	submitCmd.Flags().Float64Var(&submitMaxTime, "max-time", 0, "solver time limit in seconds")
	submitCmd.Flags().BoolVar(&submitWait, "wait", false, "poll until the run reaches a terminal state")
	submitCmd.Flags().DurationVar(&submitPoll, "poll", 2*time.Second, "poll interval with --wait")
	rootCmd.AddCommand(submitCmd)

	// status command
	statusCmd := &cobra.Command{
		Use:   "status RUN",
		Short: "Show a run with its results",
		Args:  cobra.ExactArgs(1),
		RunE:  runStatus,
	}
	rootCmd.AddCommand(statusCmd)

	// list command
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		RunE:  runList,
	}
	listCmd.Flags().StringVar(&listCase, "case", "", "filter by case")
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum runs to show (0 for all)")
	rootCmd.AddCommand(listCmd)

	// logs command
	logsCmd := &cobra.Command{
		Use:   "logs RUN",
		Short: "View the log or progress trace of a run",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogs,
	}
	logsCmd.Flags().IntVar(&logsMax, "max", 0, "number of trailing entries (default 500 lines or 1000 points)")
	logsCmd.Flags().BoolVar(&logsProgress, "progress", false, "show solver progress points instead of log lines")
	rootCmd.AddCommand(logsCmd)

	// probe command
	probeCmd := &cobra.Command{
		Use:   "probe",
		Short: "Probe the solver for backend availability and license",
		RunE:  runProbe,
	}
	rootCmd.AddCommand(probeCmd)

	// cases command
	casesCmd := &cobra.Command{
		Use:   "cases",
		Short: "List locally available cases",
		RunE:  runCases,
	}
	rootCmd.AddCommand(casesCmd)

	// protocols command
	protocolsCmd := &cobra.Command{
		Use:   "protocols",
		Short: "List clinical criteria protocols",
		RunE:  runProtocols,
	}
	rootCmd.AddCommand(protocolsCmd)

	// ensure-case command
	ensureCmd := &cobra.Command{
		Use:   "ensure-case CASE...",
		Short: "Download cases that are not available locally",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runEnsureCase,
	}
	rootCmd.AddCommand(ensureCmd)
}

func runSubmit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := submitServer
	if base == "" {
		base = "http://" + cfg.Web.Addr()
	}
	base = strings.TrimRight(base, "/")

	payload := map[string]interface{}{}
	if submitFile != "" {
		var data []byte
		if submitFile == "-" {
			data, err = io.ReadAll(cmd.InOrStdin())
		} else {
			data, err = os.ReadFile(submitFile)
		}
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return fmt.Errorf("parse %s: %w", submitFile, err)
		}
	}
	if submitCase != "" {
		payload["case_id"] = submitCase
	}
	if submitSolver != "" {
		payload["solver"] = submitSolver
	}
	if submitMaxTime > 0 {
		payload["max_time_seconds"] = submitMaxTime
	}

	body, _ := json.Marshal(payload)
	resp, err := http.Post(base+"/api/runs", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return apiError(resp)
	}
	var ack api.SubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&ack); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if ack.Existing {
		fmt.Fprintf(out, "Run %s already submitted (%s)\n", ack.RunID, colorStatus(ack.Status))
	} else {
		fmt.Fprintf(out, "Submitted run %s (%s)\n", ack.RunID, colorStatus(ack.Status))
	}
	if !submitWait {
		return nil
	}
	return waitForRun(cmd.Context(), out, base, ack.RunID)
}

func waitForRun(ctx context.Context, out io.Writer, base, id string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	last := domain.RunStatus("")
	ticker := time.NewTicker(submitPoll)
	defer ticker.Stop()
	for {
		view, err := fetchRun(base, id)
		if err != nil {
			return err
		}
		if view.Status != last {
			fmt.Fprintf(out, "  %s  %s\n", time.Now().Format("15:04:05"), colorStatus(view.Status))
			last = view.Status
		}
		if view.Status.IsTerminal() {
			if view.Status.IsFailure() {
				return fmt.Errorf("run %s %s: %s", id, view.Status, view.Error)
			}
			if view.Artifacts != nil {
				printCriteria(out, view.Artifacts.Criteria)
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func fetchRun(base, id string) (*query.RunView, error) {
	resp, err := http.Get(base + "/api/runs/" + id)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, apiError(resp)
	}
	var view query.RunView
	if err := json.NewDecoder(resp.Body).Decode(&view); err != nil {
		return nil, err
	}
	return &view, nil
}

func apiError(resp *http.Response) error {
	var body struct {
		Error    string   `json:"error"`
		Problems []string `json:"problems"`
	}
	json.NewDecoder(resp.Body).Decode(&body)
	if len(body.Problems) > 0 {
		return fmt.Errorf("%s:\n  - %s", resp.Status, strings.Join(body.Problems, "\n  - "))
	}
	if body.Error == "" {
		body.Error = resp.Status
	}
	return fmt.Errorf("server: %s", body.Error)
}

func withStack(fn func(st *stack) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := openStack(cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func runStatus(cmd *cobra.Command, args []string) error {
	return withStack(func(st *stack) error {
		id, err := st.resolveRunID(args[0])
		if err != nil {
			return err
		}
		view, err := st.queries(nil, nil).GetRun(cmd.Context(), id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Run:      %s\n", view.ID)
		fmt.Fprintf(out, "Case:     %s\n", view.CaseID)
		fmt.Fprintf(out, "Status:   %s\n", colorStatus(view.Status))
		fmt.Fprintf(out, "Solver:   %s (requested %s)\n", backendLabel(&view.Run), view.Requested)
		if view.StopReason != "" {
			fmt.Fprintf(out, "Stopped:  %s\n", view.StopReason)
		}
		fmt.Fprintf(out, "Created:  %s\n", since(view.CreatedAt))
		fmt.Fprintf(out, "Duration: %s\n", runDuration(&view.Run))
		fmt.Fprintf(out, "Dose:     %s\n", view.DoseStage)
		if view.Error != "" {
			fmt.Fprintf(out, "Error:    %s\n", red(view.Error))
		}
		if view.Stale {
			fmt.Fprintln(out, yellow("Artifacts are partial: the run failed before producing results."))
		}

		art := view.Artifacts
		if art == nil {
			return nil
		}
		if art.Solver != nil && len(art.Solver.Warnings) > 0 {
			for _, w := range art.Solver.Warnings {
				fmt.Fprintf(out, "Warning:  %s\n", yellow(w))
			}
		}
		fmt.Fprintf(out, "Progress: %s points\n", humanize.Comma(int64(len(art.Progress))))
		if art.Dose != nil {
			fmt.Fprintf(out, "Dose max: %.2f Gy, mean %.2f Gy over %s voxels\n", art.Dose.Max, art.Dose.Mean, humanize.Comma(int64(art.Dose.Voxels)))
		}
		if view.PreviousRunID != "" && view.Previous != nil {
			fmt.Fprintf(out, "Showing results of %s until this run's dose is ready\n", view.PreviousRunID)
			art = view.Previous
		}
		if art.Complete {
			fmt.Fprintln(out)
			printMetrics(out, art.Metrics)
			fmt.Fprintln(out)
			printCriteria(out, art.Criteria)
		}
		return nil
	})
}

func runList(cmd *cobra.Command, args []string) error {
	return withStack(func(st *stack) error {
		opts := runstore.ListOptions{CaseID: listCase, Limit: listLimit}
		if listStatus != "" {
			opts.Status = domain.ParseRunStatus(listStatus)
			if opts.Status == "" {
				return fmt.Errorf("unknown status %q", listStatus)
			}
		}
		runs, err := st.queries(nil, nil).ListRuns(opts)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No runs")
			return nil
		}
		printRuns(cmd.OutOrStdout(), runs)

		counts, err := st.index.CountByStatus()
		if err != nil {
			return err
		}
		statuses := []domain.RunStatus{domain.RunQueued, domain.RunRunning, domain.RunDosePending, domain.RunCompleted, domain.RunFailed, domain.RunReconstructionFailed}
		var parts []string
		for _, s := range statuses {
			if n := counts[s]; n > 0 {
				parts = append(parts, fmt.Sprintf("%d %s", n, colorStatus(s)))
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", strings.Join(parts, ", "))
		return nil
	})
}

func runProtocols(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	names, err := criteria.List(cfg.Criteria.Dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, name := range names {
		if name == cfg.Criteria.Protocol {
			fmt.Fprintf(out, "%s %s\n", name, faint("(default)"))
			continue
		}
		fmt.Fprintln(out, name)
	}
	return nil
}

func runLogs(cmd *cobra.Command, args []string) error {
	return withStack(func(st *stack) error {
		id, err := st.resolveRunID(args[0])
		if err != nil {
			return err
		}
		q := st.queries(nil, nil)
		out := cmd.OutOrStdout()

		if logsProgress {
			points, err := q.Progress(id, logsMax)
			if err != nil {
				return err
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "ITER\tPRIMAL\tDUAL\tGAP\tTIME")
			for _, p := range points {
				fmt.Fprintf(tw, "%d\t%.6g\t%.6g\t%.3e\t%s\n", p.Iteration, p.PrimalObjective, p.DualObjective, p.Gap, p.Time.Format("15:04:05.000"))
			}
			return tw.Flush()
		}

		lines, err := q.Logs(id, logsMax)
		if err != nil {
			return err
		}
		for _, line := range lines {
			fmt.Fprintln(out, line)
		}
		return nil
	})
}

func runProbe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, os.Stderr)
	eng := solver.NewCommandEngine(cfg.Solver.Command, cfg.Solver.Args, logger)
	health := solver.NewHealth(eng, logger)
	res := health.Init(cmd.Context())

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Backend:   %s %s\n", res.Backend, res.Version)
	fmt.Fprintf(out, "Available: %s\n", yesNo(res.Available))
	fmt.Fprintf(out, "Licensed:  %s\n", yesNo(res.Licensed))
	if len(res.SupportedParams) > 0 {
		fmt.Fprintf(out, "Params:    %s\n", strings.Join(res.SupportedParams, ", "))
	}
	if res.Error != "" {
		fmt.Fprintf(out, "Error:     %s\n", red(res.Error))
	}
	if !res.Usable() {
		fmt.Fprintf(out, "Runs requesting %s will use %s\n", cfg.Solver.Preferred, cfg.Solver.Fallback)
	}
	return nil
}

func yesNo(ok bool) string {
	if ok {
		return green("yes")
	}
	return red("no")
}

func runCases(cmd *cobra.Command, args []string) error {
	return withStack(func(st *stack) error {
		ids, err := st.cases.List()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintf(out, "No cases in %s\n", st.cases.Dir())
			return nil
		}
		tw := newTable(out)
		fmt.Fprintln(tw, "CASE\tSTRUCTURES\tBEAMS\tPRESCRIPTION\tREFERENCE")
		for _, id := range ids {
			m, err := st.cases.Manifest(cmd.Context(), id)
			if err != nil {
				fmt.Fprintf(tw, "%s\t%s\t\t\t\n", id, red(err.Error()))
				continue
			}
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f Gy / %d fx\t%s\n", id, len(m.Structures), len(m.Beams), m.PrescriptionGy, m.NumFractions, yesNo(m.HasReference))
		}
		return tw.Flush()
	})
}

func runEnsureCase(cmd *cobra.Command, args []string) error {
	return withStack(func(st *stack) error {
		out := cmd.OutOrStdout()
		for _, id := range args {
			if st.cases.Exists(id) {
				fmt.Fprintf(out, "%s already available\n", id)
				continue
			}
			start := time.Now()
			if err := st.cases.Ensure(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(out, "%s downloaded in %s\n", id, time.Since(start).Round(time.Millisecond))
		}
		return nil
	})
}
