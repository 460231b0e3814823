package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"allocator/internal/core"
	apphttp "allocator/internal/http"
	"allocator/internal/notify"
	"allocator/internal/report"
	"allocator/internal/services"
	"allocator/internal/transfer"
)

var errUsage = errors.New("invalid usage")

type sheetExporter interface {
	ExportExpenses(ctx context.Context, expenses []transfer.ExportExpense) (string, error)
}

type app struct {
	engine       *services.Engine
	imports      *services.ImportService
	out          io.Writer
	report       *report.Renderer
	user         string
	frequency    core.Frequency
	pollInterval time.Duration
	tokens       *apphttp.Tokens
	exporter     sheetExporter

	outMu sync.Mutex
}

func (a *app) run(ctx context.Context, args []string) error {
	cmd, rest := args[0], args[1:]
	if cmd == "convert" {
		return a.convert(rest)
	}
	if a.user == "" {
		return fmt.Errorf("%w: %s needs -user or $ALLOCATOR_USER", errUsage, cmd)
	}
	switch cmd {
	case "dashboard":
		return a.dashboard(ctx, rest)
	case "pending":
		return a.pending(ctx)
	case "accept":
		return a.answer(ctx, rest, "accepted", a.engine.AcceptProposal)
	case "reject":
		return a.answer(ctx, rest, "rejected", a.engine.RejectProposal)
	case "watch":
		return a.watch(ctx, rest)
	case "import":
		return a.importFile(ctx, rest)
	case "export":
		return a.export(ctx, rest)
	case "income":
		return a.exportIncome(ctx, rest)
	case "token":
		return a.token()
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func (a *app) print(s string) {
	a.outMu.Lock()
	defer a.outMu.Unlock()
	fmt.Fprint(a.out, s)
}

func (a *app) dashboard(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("dashboard", flag.ContinueOnError)
	freq := fs.String("frequency", a.frequency.String(), "display frequency")
	if err := fs.Parse(args); err != nil {
		return err
	}
	target, err := core.ParseFrequency(*freq)
	if err != nil {
		return err
	}
	summary, err := a.engine.Dashboard(ctx, a.user, target)
	if err != nil {
		return err
	}
	a.print(a.report.Dashboard(summary))
	return nil
}

func (a *app) convert(args []string) error {
	if len(args) != 3 {
		return fmt.Errorf("%w: convert AMOUNT FROM TO", errUsage)
	}
	amount, err := core.ParseAmount(args[0])
	if err != nil {
		return err
	}
	to := core.ResolveFrequency(args[2])
	result := core.RoundCents(a.engine.ConvertAmount(amount, args[1], args[2]))
	a.print(a.report.Conversion(amount, args[1], result, to))
	return nil
}

func (a *app) pending(ctx context.Context) error {
	pending, err := a.engine.ListPendingProposals(ctx, a.user)
	if err != nil {
		return err
	}
	named, err := a.named(ctx, pending)
	if err != nil {
		return err
	}
	a.print(a.report.Proposals(named))
	return nil
}

// named attaches expense and user names to proposals for display.
func (a *app) named(ctx context.Context, ps []core.SplitProposal) ([]report.Proposal, error) {
	users, err := a.engine.Users.List(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.Name
	}
	out := make([]report.Proposal, 0, len(ps))
	for _, p := range ps {
		rp := report.Proposal{SplitProposal: p, FromName: names[p.FromUser]}
		if e, err := a.engine.Expenses.Get(ctx, p.ExpenseID); err == nil {
			rp.ExpenseName = e.Name
		} else if !errors.Is(err, core.ErrNotFound) {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, nil
}

func (a *app) answer(ctx context.Context, args []string, verb string, answer func(ctx context.Context, proposalID, actingUser string) error) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: expected one proposal id", errUsage)
	}
	if err := answer(ctx, args[0], a.user); err != nil {
		return err
	}
	a.print(fmt.Sprintf("Proposal %s %s.\n", args[0], verb))
	return nil
}

// watch runs one poller per user until ctx ends.
func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	users := fs.String("users", a.user, "comma separated user ids to watch")
	interval := fs.Duration("interval", a.pollInterval, "poll interval")
	if err := fs.Parse(args); err != nil {
		return err
	}

	config := notify.DefaultPollerConfig()
	config.Interval = *interval

	g, gctx := errgroup.WithContext(ctx)
	for _, id := range strings.Split(*users, ",") {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		poller := notify.NewPoller(a.engine, id, func(ctx context.Context, p core.SplitProposal) {
			named, err := a.named(ctx, []core.SplitProposal{p})
			if err != nil {
				named = []report.Proposal{{SplitProposal: p}}
			}
			a.print(a.report.Proposals(named))
		}, config)
		g.Go(func() error {
			if err := poller.Start(gctx); err != nil {
				return err
			}
			<-poller.Done()
			return nil
		})
	}
	return g.Wait()
}

func (a *app) importFile(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: import FILE", errUsage)
	}
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := transfer.Read(args[0], f)
	if err != nil {
		return err
	}
	result, err := a.imports.Import(ctx, a.user, rows)
	if err != nil {
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Imported %d expense(s), %d failed.\n", result.Imported, result.Failed())
	for _, re := range result.Errors {
		fmt.Fprintf(&b, "  line %d: %v\n", re.Line, re.Err)
	}
	a.print(b.String())
	return nil
}

func (a *app) export(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	format := fs.String("format", "csv", "csv, xlsx or sheet")
	out := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *format == "sheet" && a.exporter == nil {
		return fmt.Errorf("%w: sheet export needs GOOGLE_SPREADSHEET_ID", errUsage)
	}

	expenses, err := a.engine.Expenses.List(ctx, a.user)
	if err != nil {
		return err
	}
	rows, err := a.imports.ExportExpenses(ctx, a.user, expenses)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	switch *format {
	case "csv":
		err = transfer.WriteExpensesCSV(&buf, rows)
	case "xlsx":
		if *out == "" {
			return fmt.Errorf("%w: xlsx export needs -o FILE", errUsage)
		}
		err = transfer.WriteExpensesXLSX(&buf, rows)
	case "sheet":
		written, err := a.exporter.ExportExpenses(ctx, rows)
		if err != nil {
			return err
		}
		a.print(fmt.Sprintf("Wrote %d row(s) to %s.\n", len(rows), written))
		return nil
	default:
		return fmt.Errorf("%w: unknown format %q", errUsage, *format)
	}
	if err != nil {
		return err
	}
	return a.emit(*out, buf.Bytes())
}

func (a *app) exportIncome(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("income", flag.ContinueOnError)
	out := fs.String("o", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	rows, err := a.imports.ExportIncome(ctx, a.user)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := transfer.WriteIncomeCSV(&buf, rows); err != nil {
		return err
	}
	return a.emit(*out, buf.Bytes())
}

func (a *app) emit(path string, body []byte) error {
	if path == "" {
		a.print(string(body))
		return nil
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return err
	}
	a.print("Wrote " + path + " (" + strconv.Itoa(len(body)) + " bytes).\n")
	return nil
}

func (a *app) token() error {
	if a.tokens == nil {
		return fmt.Errorf("%w: token needs JWT_SECRET", errUsage)
	}
	raw, expires, err := a.tokens.Issue(a.user)
	if err != nil {
		return err
	}
	a.print(fmt.Sprintf("%s\n# expires %s\n", raw, expires.Format(time.RFC3339)))
	return nil
}
