package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"gttdesk/internal/desk"
	"gttdesk/internal/domain"
	"gttdesk/pkg/gttdesk"
)

const version = "0.1.0"

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: gttdesk-cli [-server URL] [-json] <command> [args]\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  version                 Print the CLI version\n")
	fmt.Fprintf(os.Stderr, "  health                  Show gttdesk-server status\n")
	fmt.Fprintf(os.Stderr, "  plans                   List plans\n")
	fmt.Fprintf(os.Stderr, "  create <plan.yaml>      Create a plan from a YAML file\n")
	fmt.Fprintf(os.Stderr, "  show <id>               Show a plan and its layers\n")
	fmt.Fprintf(os.Stderr, "  place <id>              Place unplaced and failed layers\n")
	fmt.Fprintf(os.Stderr, "  scan <id>               Reconcile a plan with the broker\n")
	fmt.Fprintf(os.Stderr, "  scan-all                Scan every placed plan\n")
	fmt.Fprintf(os.Stderr, "  cancel-all <id>         Cancel every live layer\n")
	fmt.Fprintf(os.Stderr, "  trigger <id> <label>    Mark a layer as triggered\n")
	fmt.Fprintf(os.Stderr, "  cancel <id> <label>     Cancel one layer\n")
	fmt.Fprintf(os.Stderr, "  journal <id>            Print the plan journal\n")
	fmt.Fprintf(os.Stderr, "  archive <id>            Archive the plan journal to parquet\n")
	fmt.Fprintf(os.Stderr, "  delete <id>             Delete a plan\n")
	fmt.Fprintf(os.Stderr, "\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	defaultServer := "http://127.0.0.1:8080"
	if v := os.Getenv("GTTDESK_URL"); v != "" {
		defaultServer = v
	}
	server := flag.String("server", defaultServer, "gttdesk-server base URL")
	asJSON := flag.Bool("json", false, "print raw JSON")
	timeout := flag.Duration("timeout", 60*time.Second, "request timeout")
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	if args[0] == "version" {
		fmt.Printf("gttdesk-cli %s\n", version)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	out := &printer{json: *asJSON}
	if err := run(ctx, gttdesk.NewClient(*server), out, args); err != nil {
		cancel()
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, c *gttdesk.Client, out *printer, args []string) error {
	cmd, rest := args[0], args[1:]
	need := func(n int, names string) error {
		if len(rest) < n {
			return fmt.Errorf("usage: gttdesk-cli %s %s", cmd, names)
		}
		return nil
	}

	switch cmd {
	case "health":
		h, err := c.Health(ctx)
		if err != nil {
			return err
		}
		return out.value(h)

	case "plans":
		plans, err := c.ListPlans(ctx)
		if err != nil {
			return err
		}
		return out.plans(plans)

	case "create":
		if err := need(1, "<plan.yaml>"); err != nil {
			return err
		}
		req, err := loadRequest(rest[0])
		if err != nil {
			return err
		}
		res, err := c.CreatePlan(ctx, req)
		if err != nil {
			return err
		}
		return out.result(res)

	case "show":
		if err := need(1, "<id>"); err != nil {
			return err
		}
		p, err := c.GetPlan(ctx, rest[0])
		if err != nil {
			return err
		}
		return out.plan(p)

	case "place", "scan", "cancel-all":
		if err := need(1, "<id>"); err != nil {
			return err
		}
		op := map[string]func(context.Context, string) (*desk.Result, error){
			"place":      c.PlaceAll,
			"scan":       c.Scan,
			"cancel-all": c.CancelAll,
		}[cmd]
		res, err := op(ctx, rest[0])
		if err != nil {
			return err
		}
		return out.result(res)

	case "trigger", "cancel":
		if err := need(2, "<id> <label>"); err != nil {
			return err
		}
		op := c.MarkTriggered
		if cmd == "cancel" {
			op = c.CancelLayer
		}
		res, err := op(ctx, rest[0], strings.ToUpper(rest[1]))
		if err != nil {
			return err
		}
		return out.result(res)

	case "scan-all":
		sum, err := c.ScanAll(ctx)
		if err != nil {
			return err
		}
		return out.value(sum)

	case "journal":
		if err := need(1, "<id>"); err != nil {
			return err
		}
		events, err := c.Journal(ctx, rest[0])
		if err != nil {
			return err
		}
		return out.events(events)

	case "archive":
		if err := need(1, "<id>"); err != nil {
			return err
		}
		path, err := c.Archive(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintln(out.w(), path)
		return nil

	case "delete":
		if err := need(1, "<id>"); err != nil {
			return err
		}
		path, err := c.DeletePlan(ctx, rest[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(out.w(), "deleted %s\n", rest[0])
		if path != "" {
			fmt.Fprintf(out.w(), "journal archived to %s\n", path)
		}
		return nil
	}
	return fmt.Errorf("unknown command: %s", cmd)
}

// loadRequest reads a plan definition from a YAML file.
func loadRequest(path string) (desk.CreateRequest, error) {
	var req desk.CreateRequest
	data, err := os.ReadFile(path)
	if err != nil {
		return req, err
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parsing %s: %w", path, err)
	}
	return req, nil
}

// ---------------------------------------------------------------------------
// Output
// ---------------------------------------------------------------------------

type printer struct {
	json bool
	out  io.Writer
}

func (p *printer) w() io.Writer {
	if p.out != nil {
		return p.out
	}
	return os.Stdout
}

func (p *printer) value(v any) error {
	enc := json.NewEncoder(p.w())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) plans(plans []*domain.Plan) error {
	if p.json {
		return p.value(plans)
	}
	tw := tabwriter.NewWriter(p.w(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSYMBOL\tSIDE\tQTY\tEXITED\tLIVE\tPLACED")
	for _, pl := range plans {
		live := 0
		for _, l := range pl.Layers() {
			if l.Status.Live() {
				live++
			}
		}
		fmt.Fprintf(tw, "%s\t%s:%s\t%s\t%d\t%d\t%d\t%v\n",
			pl.ID, pl.Exchange, pl.Symbol, pl.Side, pl.TotalQty, pl.ExitedQty, live, pl.Placed())
	}
	return tw.Flush()
}

func (p *printer) plan(pl *domain.Plan) error {
	if p.json {
		return p.value(pl)
	}
	fmt.Fprintf(p.w(), "%s  %s:%s %s %d @ %s  exited %d, remaining %d\n",
		pl.ID, pl.Exchange, pl.Symbol, pl.Side, pl.TotalQty, pl.EntryPrice, pl.ExitedQty, pl.RemainingQty())
	tw := tabwriter.NewWriter(p.w(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "LABEL\tKIND\tPRICE\tQTY\tSTATUS\tALERT\tERROR")
	for _, l := range pl.Layers() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\t%s\n", l.Label, l.Kind, l.Price, l.Quantity, l.Status, l.AlertID, l.Error)
	}
	return tw.Flush()
}

func (p *printer) result(res *desk.Result) error {
	if p.json {
		return p.value(res)
	}
	if res.Preview != nil {
		for _, w := range res.Preview.Warnings {
			fmt.Fprintf(p.w(), "warning: %s\n", w)
		}
	}
	if res.Report != nil {
		for _, t := range res.Report.Transitions {
			fmt.Fprintf(p.w(), "%s: %s -> %s %s\n", t.Label, t.From, t.To, t.Reason)
		}
		for label, msg := range res.Report.Errors {
			fmt.Fprintf(p.w(), "%s failed: %s\n", label, msg)
		}
		for _, w := range res.Report.Warnings {
			fmt.Fprintf(p.w(), "warning: %s\n", w)
		}
	}
	return p.plan(res.Plan)
}

func (p *printer) events(events []domain.Event) error {
	if p.json {
		return p.value(events)
	}
	tw := tabwriter.NewWriter(p.w(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTYPE\tOP\tLAYER\tFROM\tTO\tDETAIL")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Time.Local().Format("2006-01-02 15:04:05"), e.Type, e.Op, e.Layer, e.From, e.To, e.Detail)
	}
	return tw.Flush()
}
