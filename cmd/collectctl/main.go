// Package main implements the operator CLI. It opens the same store as the
// service, so it must not run against an in-memory store.
//
//	collectctl missing           list properties still to photograph
//	collectctl progress          show the collection progress
//	collectctl reconcile         mark properties whose photo is already remote
//	collectctl clear [-yes]      wipe the ledger
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/planurbi/fieldcollect/internal/auth"
	"github.com/planurbi/fieldcollect/internal/config"
	errordefs "github.com/planurbi/fieldcollect/internal/errors"
	"github.com/planurbi/fieldcollect/internal/session"
)

const usage = "usage: collectctl missing|progress|reconcile|clear [-yes]"

// confirmWord must be typed to clear the ledger.
const confirmWord = "CLEAR"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	logLevel := slog.LevelWarn
	if cfg.IsDev() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, os.Args[1:], os.Stdin, os.Stdout, auth.NewPromptSource()); err != nil {
		fmt.Fprintf(os.Stderr, "collectctl: %v\n", err)
		os.Exit(1)
	}
}

// run executes one command. in is the operator's terminal when confirmation
// is needed; src supplies a token when no token endpoint is configured.
func run(ctx context.Context, cfg config.Config, args []string, in *os.File, out io.Writer, src auth.Source) error {
	if len(args) == 0 {
		return errors.New(usage)
	}
	if cfg.Store == config.StoreMemory {
		return errors.New("COLLECT_STORE=memory has no state to operate on; use sqlite or postgres")
	}

	sess, err := session.Open(ctx, cfg, src, nil, slog.Default())
	if err != nil {
		return err
	}
	defer sess.Close()

	switch args[0] {
	case "missing":
		return printMissing(sess, out)
	case "progress":
		return printProgress(sess, out)
	case "reconcile":
		return reconcile(ctx, sess, out)
	case "clear":
		fs := flag.NewFlagSet("clear", flag.ContinueOnError)
		fs.SetOutput(out)
		yes := fs.Bool("yes", false, "skip the confirmation prompt")
		if err := fs.Parse(args[1:]); err != nil {
			return err
		}
		return clearLedger(ctx, sess, in, out, *yes)
	default:
		return fmt.Errorf("unknown command %q\n%s", args[0], usage)
	}
}

func printMissing(sess *session.Session, out io.Writer) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tALT ID\tBLOCK\tNEIGHBORHOOD\tADDRESS")
	for _, rec := range sess.Ledger.Missing() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.AltID, rec.Block, rec.Neighborhood, rec.StreetAddress)
	}
	return tw.Flush()
}

func printProgress(sess *session.Session, out io.Writer) error {
	p := sess.Ledger.Progress()
	fmt.Fprintf(out, "%d/%d collected (%d%%), %d missing\n", p.Collected, p.Total, p.Percent, p.Missing)
	if p.LastUpdate != nil {
		fmt.Fprintf(out, "last update: %s\n", p.LastUpdate.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func reconcile(ctx context.Context, sess *session.Session, out io.Writer) error {
	if sess.Reconciler == nil {
		return errors.New("no remote storage configured (COLLECT_REMOTE)")
	}
	// The engine never prompts, so get the credential up front.
	if _, err := sess.Tokens.Token(ctx, true); err != nil {
		return err
	}
	res, err := sess.Reconciler.Run(ctx, sess.Dataset, sess.Ledger)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "listed %d remote files, added %d\n", res.Listed, len(res.AddedIDs))
	for _, id := range res.AddedIDs {
		fmt.Fprintf(out, "  + %s\n", id)
	}
	return printProgress(sess, out)
}

func clearLedger(ctx context.Context, sess *session.Session, in *os.File, out io.Writer, yes bool) error {
	if !yes {
		if in == nil || !term.IsTerminal(int(in.Fd())) {
			return errordefs.New(errordefs.BAD_REQUEST, "refusing to clear the ledger without a terminal; pass -yes")
		}
		fmt.Fprintf(out, "This forgets %d collected properties. Type %s to confirm: ", sess.Ledger.Size(), confirmWord)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if strings.TrimSpace(line) != confirmWord {
			return errors.New("not confirmed; ledger unchanged")
		}
	}
	if err := sess.Ledger.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(out, "ledger cleared")
	return nil
}
