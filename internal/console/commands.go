package console

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	rootcfg "github.com/sfc-gh-agavic/lifecycle-policy/config"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/audit"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/errors"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/lifecycle"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/retrieval"
)

const helpText = `commands:
  tables                                          list managed tables
  create table <name> [comment]                   register a table
  drop table [if exists] <name>                   drop a table and its data
  policies                                        list lifecycle policies
  create policy <name> retain <days> [tier <t>] [comment <text>] [where <predicate>]
  drop policy [if exists] <name>                  drop an unbound policy
  describe policy <name>                          policy details and bindings
  bind <policy> to <table>                        attach a policy (activation delayed)
  unbind <table>                                  detach a table's policy
  set <parameter> <value>                         set a session parameter
  show parameters                                 list session parameters
  seed <table> [rows-per-quarter [quarters]]      generate demo transactions
  recent <table> [n]                              preview recent rows
  flush <table>                                   flush buffered rows to files
  lifecycle plan                                  preview the next evaluation
  lifecycle run                                   evaluate policies now
  estimate <dest> from <source> where <predicate> price a restore without running it
  restore <dest> from <source> where <predicate>  restore archived rows into a new table
  history policies|retrievals|runs [limit]        audit history
  export history policies|retrievals [csv|json] [file]
  usage                                           credit spend and latency summary
  stats                                           component counters and tier summary
  exit                                            leave the console`

func (c *Console) cmdHelp() error {
	fmt.Fprintln(c.out, helpText)
	return nil
}

// =============================================================================
// Tables
// =============================================================================

func (c *Console) cmdTables() error {
	tables, err := c.eng.ListTables()
	if err != nil {
		return err
	}
	if len(tables) == 0 {
		fmt.Fprintln(c.out, "no tables")
		return nil
	}

	rows := make([][]string, 0, len(tables))
	for _, t := range tables {
		parts, err := c.eng.ListPartitions(t.Name)
		if err != nil {
			return err
		}
		var files int
		var bytes, count int64
		for _, p := range parts {
			files += p.Files
			bytes += p.Bytes
			count += p.Rows
		}
		rows = append(rows, []string{
			t.Name,
			t.Comment,
			t.RestoredFrom,
			strconv.Itoa(len(parts)),
			strconv.Itoa(files),
			formatBytes(bytes),
			strconv.FormatInt(count, 10),
		})
	}
	c.renderTable([]string{"table", "comment", "restored from", "partitions", "files", "size", "rows"}, rows)
	return nil
}

func (c *Console) cmdCreateTable(ctx context.Context, args []string) error {
	if len(args) < 1 {
		return usageErr("create table <name> [comment]")
	}
	name := args[0]
	comment := strings.Join(args[1:], " ")
	if err := c.eng.CreateTable(ctx, name, comment); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "table %s created\n", name)
	return nil
}

func (c *Console) cmdDropTable(ctx context.Context, args []string) error {
	name, ifExists, err := parseDropTarget(args, "drop table [if exists] <name>")
	if err != nil {
		return err
	}
	if err := c.eng.DropTable(ctx, name, ifExists); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "table %s dropped\n", name)
	return nil
}

// =============================================================================
// Policies
// =============================================================================

func (c *Console) cmdPolicies() error {
	policies, err := c.eng.ListPolicies()
	if err != nil {
		return err
	}
	if len(policies) == 0 {
		fmt.Fprintln(c.out, "no policies")
		return nil
	}

	bindings, err := c.eng.ListBindings()
	if err != nil {
		return err
	}
	bound := make(map[string][]string)
	for _, b := range bindings {
		bound[b.Policy] = append(bound[b.Policy], b.Table)
	}

	rows := make([][]string, 0, len(policies))
	for _, p := range policies {
		rows = append(rows, []string{
			p.Name,
			p.Tier,
			fmt.Sprintf("%dd", p.RetentionDays),
			p.Predicate,
			strings.Join(bound[p.Name], ", "),
			p.Comment,
		})
	}
	c.renderTable([]string{"policy", "tier", "retention", "predicate", "bound to", "comment"}, rows)
	return nil
}

func (c *Console) cmdCreatePolicy(ctx context.Context, line string) error {
	head, predicate := splitWhere(line)
	fields := strings.Fields(head)
	// fields: create policy <name> [retain N] [tier t] [comment ...]
	if len(fields) < 3 {
		return usageErr("create policy <name> retain <days> [tier <t>] [comment <text>] [where <predicate>]")
	}

	spec := lifecycle.Spec{Name: fields[2], Predicate: predicate}
	for i := 3; i < len(fields); i++ {
		switch strings.ToLower(fields[i]) {
		case "retain":
			if i+1 >= len(fields) {
				return usageErr("retain <days>")
			}
			i++
			days, err := strconv.Atoi(strings.TrimSuffix(fields[i], "d"))
			if err != nil {
				return fmt.Errorf("retain: %q is not a day count", fields[i])
			}
			spec.RetentionDays = days
		case "tier":
			if i+1 >= len(fields) {
				return usageErr("tier <tier>")
			}
			i++
			spec.Tier = fields[i]
		case "comment":
			spec.Comment = strings.Join(fields[i+1:], " ")
			i = len(fields)
		default:
			return fmt.Errorf("unexpected token %q", fields[i])
		}
	}

	if err := c.eng.CreatePolicy(ctx, spec); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "policy %s created\n", spec.Name)
	return nil
}

func (c *Console) cmdDropPolicy(ctx context.Context, args []string) error {
	name, ifExists, err := parseDropTarget(args, "drop policy [if exists] <name>")
	if err != nil {
		return err
	}
	if err := c.eng.DropPolicy(ctx, name, ifExists); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "policy %s dropped\n", name)
	return nil
}

func (c *Console) cmdDescribePolicy(ctx context.Context, name string) error {
	info, err := c.eng.DescribePolicy(ctx, name)
	if err != nil {
		return err
	}

	p := info.Policy
	predicate := p.Predicate
	if predicate == "" {
		predicate = "(quarter boundary only)"
	}
	c.renderTable([]string{"property", "value"}, [][]string{
		{"name", p.Name},
		{"tier", p.Tier},
		{"retention", fmt.Sprintf("%d days", p.RetentionDays)},
		{"predicate", predicate},
		{"comment", p.Comment},
		{"created", formatTime(p.CreatedAt)},
	})

	if len(info.Bindings) == 0 {
		fmt.Fprintln(c.out, "not bound to any table")
		return nil
	}
	now := time.Now().UTC()
	rows := make([][]string, 0, len(info.Bindings))
	for _, b := range info.Bindings {
		state := "active"
		if now.Before(b.EffectiveAt) {
			state = "pending"
		}
		rows = append(rows, []string{b.Table, formatTime(b.BoundAt), formatTime(b.EffectiveAt), state})
	}
	c.renderTable([]string{"table", "bound at", "effective at", "state"}, rows)
	return nil
}

func (c *Console) cmdBind(ctx context.Context, args []string) error {
	// bind <policy> to <table>
	if len(args) != 3 || strings.ToLower(args[1]) != "to" {
		return usageErr("bind <policy> to <table>")
	}
	policy, table := args[0], args[2]
	binding, err := c.eng.BindPolicy(ctx, table, policy)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "policy %s bound to %s, effective %s\n",
		policy, table, formatTime(binding.EffectiveAt))
	return nil
}

func (c *Console) cmdUnbind(ctx context.Context, table string) error {
	if err := c.eng.UnbindPolicy(ctx, table); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "policy unbound from %s\n", table)
	return nil
}

// =============================================================================
// Session
// =============================================================================

func (c *Console) cmdSet(args []string) error {
	// set <name> <value> or set <name> = <value>
	if len(args) == 3 && args[1] == "=" {
		args = []string{args[0], args[2]}
	}
	if len(args) != 2 {
		return usageErr("set <parameter> <value>")
	}
	if err := c.sess.Set(args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "%s = %s\n", strings.ToLower(args[0]), args[1])
	return nil
}

func (c *Console) cmdShowParameters() error {
	params := c.eng.ShowParameters(c.sess)
	rows := make([][]string, 0, len(params))
	for _, p := range params {
		rows = append(rows, []string{p.Name, p.Value, p.Description})
	}
	c.renderTable([]string{"parameter", "value", "description"}, rows)
	return nil
}

// =============================================================================
// Ingest
// =============================================================================

func (c *Console) cmdSeed(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 3 {
		return usageErr("seed <table> [rows-per-quarter [quarters]]")
	}
	var rowsPerQuarter, quarters int
	var err error
	if len(args) > 1 {
		if rowsPerQuarter, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("rows-per-quarter: %q is not a number", args[1])
		}
	}
	if len(args) > 2 {
		if quarters, err = strconv.Atoi(args[2]); err != nil {
			return fmt.Errorf("quarters: %q is not a number", args[2])
		}
	}

	n, err := c.eng.Seed(ctx, args[0], rowsPerQuarter, quarters)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "seeded %d rows into %s\n", n, args[0])
	return nil
}

func (c *Console) cmdRecent(args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageErr("recent <table> [n]")
	}
	n := 10
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			return fmt.Errorf("n: %q is not a positive number", args[1])
		}
		n = v
	}

	txns, err := c.eng.RecentRows(args[0], n)
	if err != nil {
		return err
	}
	if len(txns) == 0 {
		fmt.Fprintln(c.out, "no rows")
		return nil
	}
	rows := make([][]string, 0, len(txns))
	for _, t := range txns {
		rows = append(rows, []string{
			shortID(t.TransactionID),
			t.TransactionDate.Format("2006-01-02"),
			t.Type,
			t.Amount.StringFixed(2),
			t.Currency,
			t.Description,
		})
	}
	c.renderTable([]string{"id", "date", "type", "amount", "currency", "description"}, rows)
	return nil
}

func (c *Console) cmdFlush(ctx context.Context, table string) error {
	if err := c.eng.Flush(ctx, table); err != nil {
		return err
	}
	fmt.Fprintf(c.out, "flushed %s\n", table)
	return nil
}

// =============================================================================
// Lifecycle
// =============================================================================

func (c *Console) cmdLifecyclePlan(ctx context.Context) error {
	plan, err := c.eng.LifecyclePlan(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.out, "aging boundary %s\n", plan.Boundary.Format("2006-01-02"))
	if len(plan.Actions) == 0 && len(plan.Skips) == 0 {
		fmt.Fprintln(c.out, "nothing to do")
		return nil
	}
	if len(plan.Actions) > 0 {
		rows := make([][]string, 0, len(plan.Actions))
		for _, a := range plan.Actions {
			rows = append(rows, []string{
				a.Table, a.Quarter.Label(), a.Policy,
				a.From.String(), a.To.String(),
				strconv.Itoa(a.Files), formatBytes(a.Bytes),
			})
		}
		c.renderTable([]string{"table", "quarter", "policy", "from", "to", "files", "size"}, rows)
	}
	for _, s := range plan.Skips {
		fmt.Fprintf(c.out, "skip %s (policy %s): %s\n", s.Table, s.Policy, s.Reason)
	}
	return nil
}

func (c *Console) cmdLifecycleRun(ctx context.Context) error {
	res, err := c.eng.LifecycleRun(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "run %s: %d planned, %d cooled, %d expired, %d failed, %d skipped\n",
		shortID(res.RunID), res.Planned, res.Cooled, res.Expired, res.Failed, res.Skipped)
	fmt.Fprintf(c.out, "moved %d files (%s) in %s\n",
		res.Files, formatBytes(res.Bytes), res.Duration.Round(time.Millisecond))
	return nil
}

// =============================================================================
// Retrieval
// =============================================================================

func parseRestoreRequest(line, form string) (retrieval.Request, error) {
	head, predicate := splitWhere(line)
	fields := strings.Fields(head)
	// fields: estimate|restore <dest> from <source>
	if len(fields) != 4 || strings.ToLower(fields[2]) != "from" {
		return retrieval.Request{}, usageErr(form)
	}
	return retrieval.Request{
		Source:      fields[3],
		Destination: fields[1],
		Predicate:   predicate,
	}, nil
}

func (c *Console) cmdEstimate(ctx context.Context, line string) error {
	req, err := parseRestoreRequest(line, "estimate <dest> from <source> where <predicate>")
	if err != nil {
		return err
	}
	est, err := c.eng.EstimateRestore(ctx, req)
	if err != nil {
		return err
	}

	if len(est.Partitions) == 0 {
		fmt.Fprintln(c.out, "no archived partitions match the predicate")
		return nil
	}
	rows := make([][]string, 0, len(est.Partitions))
	for _, p := range est.Partitions {
		rows = append(rows, []string{
			p.Quarter.Label(),
			strconv.Itoa(p.Files),
			formatBytes(p.Bytes),
			strconv.FormatInt(p.Rows, 10),
		})
	}
	c.renderTable([]string{"quarter", "files", "size", "rows (upper bound)"}, rows)
	fmt.Fprintf(c.out, "restore %s from %s: %d files, %s, cost %.4f credits, completes within %s\n",
		est.Destination, est.Source, est.Files, formatBytes(est.Bytes), est.Credits, est.Duration)
	return nil
}

func (c *Console) cmdRestore(ctx context.Context, line string) error {
	req, err := parseRestoreRequest(line, "restore <dest> from <source> where <predicate>")
	if err != nil {
		return err
	}
	task, err := c.eng.Restore(ctx, c.sess, req)
	if err != nil {
		return err
	}

	prog := task.Progress()
	fmt.Fprintf(c.out, "restore %s started: fetching %d files (%s)\n",
		task.ID(), prog.FilesTotal, formatBytes(prog.BytesTotal))

	res, err := task.Wait(ctx)
	if errors.Is(err, errors.ErrTimeout) {
		fmt.Fprintf(c.out, "statement timeout reached; restore %s continues detached\n", task.ID())
		fmt.Fprintln(c.out, "watch it with 'history retrievals'")
		return nil
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(c.out, "restored %d rows into %s in %s, %.4f credits\n",
		res.Rows, res.Destination, res.Duration.Round(time.Millisecond), res.Credits)
	return nil
}

// =============================================================================
// History & usage
// =============================================================================

func (c *Console) cmdHistory(ctx context.Context, args []string) error {
	if len(args) < 1 || len(args) > 2 {
		return usageErr("history policies|retrievals|runs [limit]")
	}
	limit := rootcfg.DefaultHistoryLimit
	if len(args) == 2 {
		v, err := strconv.Atoi(args[1])
		if err != nil || v < 1 {
			return fmt.Errorf("limit: %q is not a positive number", args[1])
		}
		limit = v
	}

	switch strings.ToLower(args[0]) {
	case "policies":
		execs, err := c.eng.PolicyExecutionHistory(ctx, audit.ExecutionQuery{Limit: limit})
		if err != nil {
			return err
		}
		if len(execs) == 0 {
			fmt.Fprintln(c.out, "no policy executions")
			return nil
		}
		rows := make([][]string, 0, len(execs))
		for _, e := range execs {
			rows = append(rows, []string{
				formatTime(e.StartedAt),
				shortID(e.RunID),
				e.Table,
				e.Quarter,
				e.Action,
				string(e.Status),
				strconv.Itoa(e.Files),
				formatBytes(e.Bytes),
				e.Error,
			})
		}
		c.renderTable([]string{"started", "run", "table", "quarter", "action", "status", "files", "size", "error"}, rows)
		return nil

	case "retrievals":
		recs, err := c.eng.RetrievalHistory(ctx, audit.RetrievalQuery{Limit: limit})
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Fprintln(c.out, "no retrievals")
			return nil
		}
		rows := make([][]string, 0, len(recs))
		for _, r := range recs {
			rows = append(rows, []string{
				formatTime(r.StartedAt),
				shortID(r.ID),
				r.Table,
				r.Destination,
				string(r.Status),
				strconv.Itoa(r.Files),
				formatBytes(r.Bytes),
				strconv.FormatInt(r.Rows, 10),
				fmt.Sprintf("%.4f", r.Credits),
				r.Error,
			})
		}
		c.renderTable([]string{"started", "query", "source", "destination", "status", "files", "size", "rows", "credits", "error"}, rows)
		return nil

	case "runs":
		runs, err := c.eng.LifecycleRuns(ctx, limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(c.out, "no evaluation runs")
			return nil
		}
		rows := make([][]string, 0, len(runs))
		for _, r := range runs {
			rows = append(rows, []string{
				formatTime(r.StartedAt),
				shortID(r.RunID),
				strconv.FormatInt(r.Actions, 10),
				strconv.FormatInt(r.Completed, 10),
				strconv.FormatInt(r.Failed, 10),
				strconv.FormatInt(r.Skipped, 10),
			})
		}
		c.renderTable([]string{"started", "run", "actions", "completed", "failed", "skipped"}, rows)
		return nil
	}
	return usageErr("history policies|retrievals|runs [limit]")
}

func (c *Console) cmdUsage() error {
	usage := c.eng.Usage()
	fmt.Fprintf(c.out, "total credits: %.4f\n", usage.TotalCredits)
	if len(usage.Categories) == 0 {
		fmt.Fprintln(c.out, "no metered operations yet")
		return nil
	}

	rows := make([][]string, 0, len(usage.Categories))
	for _, cat := range usage.Categories {
		rows = append(rows, []string{
			cat.Category,
			strconv.FormatInt(cat.Credits.Count, 10),
			fmt.Sprintf("%.4f", cat.Credits.Sum),
			fmt.Sprintf("%.4f", cat.Credits.Avg),
			fmt.Sprintf("%.4f", cat.Credits.P95),
			formatSeconds(cat.Duration.P50),
			formatSeconds(cat.Duration.P95),
			formatSeconds(cat.Duration.Max),
		})
	}
	c.renderTable([]string{"category", "ops", "credits", "avg", "p95", "d p50", "d p95", "d max"}, rows)
	return nil
}

func (c *Console) cmdStats() error {
	s := c.eng.Stats()

	fmt.Fprintf(c.out, "engine       running=%t uptime=%s\n", s.Running, s.Uptime.Round(time.Second))
	fmt.Fprintf(c.out, "ingest       tables=%d appended=%d flushed=%d rejected=%d buffered=%d rows / %s\n",
		s.Ingest.TablesOpen, s.Ingest.RowsAppended, s.Ingest.RowsFlushed,
		s.Ingest.RowsRejected, s.Ingest.BufferedRows, formatBytes(s.Ingest.BufferedBytes))
	fmt.Fprintf(c.out, "lifecycle    runs=%d applied=%d failed=%d last=%s next=%s\n",
		s.Lifecycle.Runs, s.Lifecycle.ActionsApplied, s.Lifecycle.ActionsFailed,
		formatTime(s.Lifecycle.LastRun), formatTime(s.Lifecycle.NextRun))
	fmt.Fprintf(c.out, "mover        moved=%d deleted=%d freed=%s\n",
		s.Mover.FilesMoved, s.Mover.FilesDeleted, formatBytes(s.Mover.BytesFreed))
	fmt.Fprintf(c.out, "retrieval    active=%d succeeded=%d failed=%d canceled=%d\n",
		s.Retrieval.Active, s.Retrieval.Succeeded, s.Retrieval.Failed, s.Retrieval.Canceled)
	fmt.Fprintf(c.out, "credits      %.4f\n", s.Credits)

	summary, err := c.eng.TierSummary()
	if err != nil {
		return err
	}
	if len(summary) > 0 {
		rows := make([][]string, 0, len(summary))
		for _, ts := range summary {
			rows = append(rows, []string{
				ts.State.String(),
				strconv.Itoa(ts.Partitions),
				strconv.FormatInt(ts.Files, 10),
				formatBytes(ts.Bytes),
				strconv.FormatInt(ts.Rows, 10),
			})
		}
		c.renderTable([]string{"state", "partitions", "files", "size", "rows"}, rows)
	}
	return nil
}

// =============================================================================
// Export
// =============================================================================

// exportLimit caps how much history an export pulls. Exports are for
// offline analysis, so the cap is generous.
const exportLimit = 10000

func (c *Console) cmdExport(ctx context.Context, args []string) error {
	form := "export history policies|retrievals [csv|json] [file]"
	if len(args) < 2 || len(args) > 4 || strings.ToLower(args[0]) != "history" {
		return usageErr(form)
	}
	kind := strings.ToLower(args[1])

	format := "csv"
	path := ""
	for _, a := range args[2:] {
		switch strings.ToLower(a) {
		case "csv", "json":
			format = strings.ToLower(a)
		default:
			path = a
		}
	}

	out := c.out
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create %s: %w", path, err)
		}
		defer f.Close()
		out = f
	}

	var count int
	switch kind {
	case "policies":
		execs, err := c.eng.PolicyExecutionHistory(ctx, audit.ExecutionQuery{Limit: exportLimit})
		if err != nil {
			return err
		}
		count = len(execs)
		if format == "json" {
			err = audit.NewJSONExporter(true).ExportExecutions(out, execs)
		} else {
			err = audit.NewCSVExporter(true).ExportExecutions(out, execs)
		}
		if err != nil {
			return err
		}
	case "retrievals":
		recs, err := c.eng.RetrievalHistory(ctx, audit.RetrievalQuery{Limit: exportLimit})
		if err != nil {
			return err
		}
		count = len(recs)
		if format == "json" {
			err = audit.NewJSONExporter(true).ExportRetrievals(out, recs)
		} else {
			err = audit.NewCSVExporter(true).ExportRetrievals(out, recs)
		}
		if err != nil {
			return err
		}
	default:
		return usageErr(form)
	}

	if path != "" {
		fmt.Fprintf(c.out, "exported %d records to %s\n", count, path)
	}
	return nil
}

// parseDropTarget handles the optional "if exists" in drop commands.
func parseDropTarget(args []string, form string) (name string, ifExists bool, err error) {
	switch {
	case len(args) == 1:
		return args[0], false, nil
	case len(args) == 3 && strings.ToLower(args[0]) == "if" && strings.ToLower(args[1]) == "exists":
		return args[2], true, nil
	}
	return "", false, usageErr(form)
}
