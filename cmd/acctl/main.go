// Command acctl is the operator tool for acserver: it mints API keys,
// imports the card database and drives the node protocol by hand.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	flag "github.com/spf13/pflag"

	"github.com/londonhackspace/acserver/internal/acl"
	"github.com/londonhackspace/acserver/internal/acnode"
	"github.com/londonhackspace/acserver/internal/apikey"
	"github.com/londonhackspace/acserver/internal/carddb"
	"github.com/londonhackspace/acserver/internal/obs"
	"github.com/londonhackspace/acserver/internal/store/pg"
)

const usage = `usage: acctl <command> [flags]

commands:
  mint-api-key   issue a key for the /api/ endpoints
  import-carddb  validate a card database and load it into postgres
  node           act as an acnode against a running server
`

var errUsage = errors.New("invalid usage")

func main() {
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		if !errors.Is(err, errUsage) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintf(os.Stderr, "acctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(out, usage)
		return errUsage
	}
	switch args[0] {
	case "mint-api-key":
		return mintAPIKey(args[1:], out)
	case "import-carddb":
		return importCardDB(ctx, args[1:], out)
	case "node":
		return node(ctx, args[1:], out)
	case "help", "-h", "--help":
		fmt.Fprint(out, usage)
		return nil
	default:
		fmt.Fprint(out, usage)
		return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
	}
}

func mintAPIKey(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("mint-api-key", flag.ContinueOnError)
	secret := fs.String("secret", os.Getenv("ACSERVER_API_KEY_SECRET"), "signing secret")
	client := fs.String("client", "", "client name recorded in the key")
	scopes := fs.StringSlice("scope", []string{apikey.ScopeMonitor}, "scopes to grant")
	ttl := fs.Duration("ttl", 90*24*time.Hour, "key lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*client) == "" {
		return fmt.Errorf("%w: --client is required", errUsage)
	}
	keys, err := apikey.New(*secret)
	if err != nil {
		return err
	}
	key, err := keys.Mint(*client, *scopes, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, key)
	return nil
}

func importCardDB(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("import-carddb", flag.ContinueOnError)
	dsn := fs.String("dsn", os.Getenv("ACSERVER_PG_DSN"), "PostgreSQL DSN")
	dryRun := fs.Bool("dry-run", false, "validate only")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("%w: import-carddb [--dsn DSN] [--dry-run] FILE", errUsage)
	}
	members, err := carddb.Load(fs.Arg(0))
	if err != nil {
		return err
	}
	cards := 0
	for _, m := range members {
		cards += len(m.Cards)
	}
	if *dryRun {
		fmt.Fprintf(out, "%d members, %d cards: ok\n", len(members), cards)
		return nil
	}
	if *dsn == "" {
		return fmt.Errorf("%w: --dsn or ACSERVER_PG_DSN is required unless --dry-run", errUsage)
	}
	s, err := pg.Open(*dsn)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.ReplaceMembers(ctx, members); err != nil {
		return err
	}
	fmt.Fprintf(out, "imported %d members, %d cards\n", len(members), cards)
	return nil
}

const nodeUsage = `usage: acctl node [flags] <op> [args]

ops:
  query CARD
  status
  set-status 0|1 CARD
  grant CARD BY-CARD
  use start|stop CARD
  use-time CARD SECONDS
  in-use
`

func node(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("node", flag.ContinueOnError)
	server := fs.String("server", "http://127.0.0.1:1234", "acserver base URL")
	nodeID := fs.Int64("node", 1, "node (tool) id")
	secret := fs.String("secret", os.Getenv("ACNODE_SECRET"), "node secret")
	timeout := fs.Duration("timeout", acnode.DefaultTimeout, "request timeout")
	verbose := fs.BoolP("verbose", "v", false, "log requests")
	fs.SetInterspersed(false)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fmt.Fprint(out, nodeUsage)
		return errUsage
	}

	opts := []acnode.Option{acnode.WithSecret(*secret), acnode.WithTimeout(*timeout)}
	if *verbose {
		opts = append(opts, acnode.WithLogger(obs.MustBuildLogger("debug")))
	}
	c, err := acnode.New(*server, *nodeID, opts...)
	if err != nil {
		return err
	}

	op, rest := fs.Arg(0), fs.Args()[1:]
	need := func(n int) error {
		if len(rest) != n {
			fmt.Fprint(out, nodeUsage)
			return fmt.Errorf("%w: %s takes %d argument(s)", errUsage, op, n)
		}
		return nil
	}

	switch op {
	case "query":
		if err := need(1); err != nil {
			return err
		}
		card, err := parseCard(rest[0])
		if err != nil {
			return err
		}
		d, err := c.QueryCard(ctx, card)
		fmt.Fprintf(out, "%d %s\n", d.Code(), d)
		return err
	case "status":
		if err := need(0); err != nil {
			return err
		}
		st, err := c.NetworkCheckToolStatus(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "%d %s\n", int(st), st)
		return nil
	case "set-status":
		if err := need(2); err != nil {
			return err
		}
		n, err := strconv.Atoi(rest[0])
		if err != nil {
			return fmt.Errorf("%w: status %q", errUsage, rest[0])
		}
		st, err := acl.ParseToolStatus(n)
		if err != nil {
			return err
		}
		card, err := parseCard(rest[1])
		if err != nil {
			return err
		}
		return printOutcome(out)(c.SetToolStatus(ctx, st, card))
	case "grant":
		if err := need(2); err != nil {
			return err
		}
		target, err := parseCard(rest[0])
		if err != nil {
			return err
		}
		by, err := parseCard(rest[1])
		if err != nil {
			return err
		}
		return printOutcome(out)(c.AddNewUser(ctx, target, by))
	case "use":
		if err := need(2); err != nil {
			return err
		}
		var report acl.UsageReport
		switch rest[0] {
		case "start":
			report = acl.UsageStart
		case "stop":
			report = acl.UsageStop
		default:
			return fmt.Errorf("%w: use start|stop CARD", errUsage)
		}
		card, err := parseCard(rest[1])
		if err != nil {
			return err
		}
		return printOutcome(out)(c.ReportToolUse(ctx, card, report))
	case "use-time":
		if err := need(2); err != nil {
			return err
		}
		card, err := parseCard(rest[0])
		if err != nil {
			return err
		}
		secs, err := strconv.ParseInt(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("%w: seconds %q", errUsage, rest[1])
		}
		return printOutcome(out)(c.ToolUseTime(ctx, card, time.Duration(secs)*time.Second))
	case "in-use":
		if err := need(0); err != nil {
			return err
		}
		inUse, err := c.IsToolInUse(ctx)
		if err != nil {
			return err
		}
		if inUse {
			fmt.Fprintln(out, "yes")
		} else {
			fmt.Fprintln(out, "no")
		}
		return nil
	default:
		fmt.Fprint(out, nodeUsage)
		return fmt.Errorf("%w: unknown node op %q", errUsage, op)
	}
}

func parseCard(s string) (acnode.Card, error) {
	id, err := acl.ParseCardID(s)
	if err != nil {
		return acnode.Card{}, fmt.Errorf("card %q: %w", s, err)
	}
	return acnode.Card{ID: id, Enabled: true, Valid: true}, nil
}

func printOutcome(out io.Writer) func(acl.Outcome, error) error {
	return func(o acl.Outcome, err error) error {
		fmt.Fprintf(out, "%d %s\n", o.Code(), o)
		return err
	}
}
