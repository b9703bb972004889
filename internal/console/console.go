// Package console implements the interactive admin shell. Verbs map
// one to one onto engine operations: table and policy management,
// ingest helpers, lifecycle evaluation, archive restore, history and
// usage reporting. Each statement runs under the session's statement
// timeout; a restore that outlives it keeps running detached and is
// visible through 'history retrievals'.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/c-bata/go-prompt"
	"golang.org/x/term"

	"github.com/sfc-gh-agavic/lifecycle-policy/internal/engine"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/logging"
	"github.com/sfc-gh-agavic/lifecycle-policy/internal/session"
)

// Console drives one admin session against the engine.
type Console struct {
	eng  *engine.Engine
	sess *session.Session
	out  io.Writer
	log  *slog.Logger
}

// New creates a console with its own session on the engine.
func New(eng *engine.Engine) *Console {
	return &Console{
		eng:  eng,
		sess: eng.NewSession(),
		out:  os.Stdout,
		log:  logging.Component("console"),
	}
}

// Session returns the console's session.
func (c *Console) Session() *session.Session {
	return c.sess
}

// Run serves verbs until exit or end of input. With a terminal on
// stdin it runs the interactive prompt; otherwise it consumes stdin
// line by line, so piped scripts work.
func (c *Console) Run(ctx context.Context) error {
	defer c.sess.Close()

	fmt.Fprintf(c.out, "lifecycled console, session %s\n", c.sess.ID())
	fmt.Fprintln(c.out, "type 'help' for commands, 'exit' to leave")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		c.runPrompt()
		return nil
	}
	return c.runScript(ctx, os.Stdin)
}

func (c *Console) runPrompt() {
	p := prompt.New(
		func(line string) {
			if isExit(line) {
				return
			}
			if err := c.Execute(line); err != nil {
				fmt.Fprintf(c.out, "error: %v\n", err)
			}
		},
		c.complete,
		prompt.OptionTitle("lifecycled"),
		prompt.OptionPrefix("lifecycle> "),
		prompt.OptionPrefixTextColor(prompt.Cyan),
		prompt.OptionMaxSuggestion(12),
		prompt.OptionSetExitCheckerOnInput(func(in string, breakline bool) bool {
			return breakline && isExit(in)
		}),
	)
	p.Run()
}

func (c *Console) runScript(ctx context.Context, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if isExit(line) {
			return nil
		}
		if err := c.Execute(line); err != nil {
			fmt.Fprintf(c.out, "error: %v\n", err)
		}
	}
	return sc.Err()
}

func isExit(line string) bool {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "exit", "quit":
		return true
	}
	return false
}

// Execute parses and runs one statement. The returned error is the
// operation's error; usage mistakes come back as plain errors naming
// the expected form.
func (c *Console) Execute(line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	ctx, cancel := c.sess.Context(context.Background())
	defer cancel()

	switch strings.ToLower(fields[0]) {
	case "help":
		return c.cmdHelp()
	case "tables":
		return c.cmdTables()
	case "policies":
		return c.cmdPolicies()
	case "create":
		if len(fields) < 2 {
			return usageErr("create table|policy ...")
		}
		switch strings.ToLower(fields[1]) {
		case "table":
			return c.cmdCreateTable(ctx, fields[2:])
		case "policy":
			return c.cmdCreatePolicy(ctx, line)
		}
		return usageErr("create table|policy ...")
	case "drop":
		if len(fields) < 2 {
			return usageErr("drop table|policy [if exists] <name>")
		}
		switch strings.ToLower(fields[1]) {
		case "table":
			return c.cmdDropTable(ctx, fields[2:])
		case "policy":
			return c.cmdDropPolicy(ctx, fields[2:])
		}
		return usageErr("drop table|policy [if exists] <name>")
	case "describe":
		if len(fields) == 3 && strings.ToLower(fields[1]) == "policy" {
			return c.cmdDescribePolicy(ctx, fields[2])
		}
		return usageErr("describe policy <name>")
	case "bind":
		return c.cmdBind(ctx, fields[1:])
	case "unbind":
		if len(fields) != 2 {
			return usageErr("unbind <table>")
		}
		return c.cmdUnbind(ctx, fields[1])
	case "set":
		return c.cmdSet(fields[1:])
	case "show":
		if len(fields) == 2 && strings.ToLower(fields[1]) == "parameters" {
			return c.cmdShowParameters()
		}
		return usageErr("show parameters")
	case "seed":
		return c.cmdSeed(ctx, fields[1:])
	case "recent":
		return c.cmdRecent(fields[1:])
	case "flush":
		if len(fields) != 2 {
			return usageErr("flush <table>")
		}
		return c.cmdFlush(ctx, fields[1])
	case "lifecycle":
		if len(fields) == 2 {
			switch strings.ToLower(fields[1]) {
			case "plan":
				return c.cmdLifecyclePlan(ctx)
			case "run":
				return c.cmdLifecycleRun(ctx)
			}
		}
		return usageErr("lifecycle plan|run")
	case "estimate":
		return c.cmdEstimate(ctx, line)
	case "restore":
		return c.cmdRestore(ctx, line)
	case "history":
		return c.cmdHistory(ctx, fields[1:])
	case "usage":
		return c.cmdUsage()
	case "stats":
		return c.cmdStats()
	case "export":
		return c.cmdExport(ctx, fields[1:])
	}
	return fmt.Errorf("unknown command %q, try 'help'", fields[0])
}

func usageErr(form string) error {
	return fmt.Errorf("usage: %s", form)
}

// splitWhere separates a trailing where-clause from the command part.
// The predicate keeps its original spelling.
func splitWhere(line string) (head, predicate string) {
	lower := strings.ToLower(line)
	if i := strings.Index(lower, " where "); i >= 0 {
		return strings.TrimSpace(line[:i]), strings.TrimSpace(line[i+7:])
	}
	return strings.TrimSpace(line), ""
}
