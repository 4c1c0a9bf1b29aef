package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"golang.org/x/term"

	cfnats "github.com/Strob0t/sentry-webhooks/internal/adapter/nats"
	"github.com/Strob0t/sentry-webhooks/internal/adapter/postgres"
	"github.com/Strob0t/sentry-webhooks/internal/config"
	"github.com/Strob0t/sentry-webhooks/internal/domain/webhook"
	"github.com/Strob0t/sentry-webhooks/internal/middleware"
	"github.com/Strob0t/sentry-webhooks/internal/netguard"
	"github.com/Strob0t/sentry-webhooks/internal/port/messagequeue"
	"github.com/Strob0t/sentry-webhooks/internal/secrets"
	"github.com/Strob0t/sentry-webhooks/internal/service"
)

// runAdmin dispatches admin subcommands.
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp(os.Stderr)
		return nil
	}

	switch args[0] {
	case "migrate":
		return runAdminMigrate(args[1:])
	case "set-options":
		return runAdminSetOptions(args[1:])
	case "show-options":
		return runAdminShowOptions(args[1:])
	case "check-url":
		return runAdminCheckURL(args[1:])
	case "sign":
		return runAdminSign(args[1:])
	case "publish":
		return runAdminPublish(args[1:])
	default:
		printAdminHelp(os.Stderr)
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp(w io.Writer) {
	fmt.Fprint(w, `Usage: sentry-webhooks admin <command> [options]

Commands:
  migrate        Apply, roll back or report database migrations
  set-options    Configure the webhook plugin for a project
  show-options   Print a project's webhook options
  check-url      Check URLs against the disallowed networks
  sign           Print the ingest signature for a payload read from stdin
  publish        Publish a post-process event read from stdin to NATS
  help           Show this help message

Examples:
  sentry-webhooks admin migrate up
  sentry-webhooks admin migrate down --steps 1
  sentry-webhooks admin set-options --project 42 --channel "#alerts" --username sentry < urls.txt
  sentry-webhooks admin show-options --project 42
  sentry-webhooks admin check-url https://hooks.example.com/x http://10.0.0.5/
  sentry-webhooks admin sign < event.json
`)
}

func runAdminMigrate(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: migrate <up|down|version> [--steps N]")
	}
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	steps := fs.Int("steps", 1, "number of migrations to roll back (down only)")
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()

	switch args[0] {
	case "up":
		if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
			return err
		}
	case "down":
		if err := postgres.RollbackMigrations(ctx, cfg.Postgres.DSN, *steps); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("unknown migrate action: %s", args[0])
	}

	v, err := postgres.MigrationVersion(ctx, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Schema version: %d\n", v)
	return nil
}

func loadOptionsService() (*service.OptionsService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	guard, err := netguard.New(cfg.Webhook.DisallowedNetworks, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("disallowed networks: %w", err)
	}

	pool, err := postgres.NewPool(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	svc := service.NewOptionsService(postgres.NewStore(pool), guard)
	return svc, pool.Close, nil
}

func runAdminSetOptions(args []string) error {
	fs := flag.NewFlagSet("set-options", flag.ContinueOnError)
	project := fs.String("project", "", "project id (required)")
	channel := fs.String("channel", "", "channel, e.g. #alerts (required)")
	username := fs.String("username", "", "sender name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}

	interactive := term.IsTerminal(int(os.Stdin.Fd())) //nolint:gosec // fd fits in int
	if interactive {
		fmt.Fprintln(os.Stderr, "Webhook URLs, one per line; finish with an empty line:")
	}
	urls, err := readURLs(os.Stdin, interactive)
	if err != nil {
		return fmt.Errorf("read urls: %w", err)
	}

	svc, cleanup, err := loadOptionsService()
	if err != nil {
		return err
	}
	defer cleanup()

	opts := webhook.Options{
		URLs:     strings.Join(urls, "\n"),
		Channel:  *channel,
		Username: *username,
	}
	if err := svc.Update(context.Background(), *project, opts); err != nil {
		return fmt.Errorf("set options: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Webhook options saved for project %s (%d urls)\n", *project, len(urls))
	return nil
}

// readURLs collects non-empty lines from r. With stopAtBlank the first empty
// line ends the input, which lets a terminal user finish without EOF.
func readURLs(r io.Reader, stopAtBlank bool) ([]string, error) {
	var urls []string
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			if stopAtBlank {
				break
			}
			continue
		}
		urls = append(urls, line)
	}
	return urls, sc.Err()
}

func runAdminShowOptions(args []string) error {
	fs := flag.NewFlagSet("show-options", flag.ContinueOnError)
	project := fs.String("project", "", "project id (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *project == "" {
		return errors.New("--project is required")
	}

	svc, cleanup, err := loadOptionsService()
	if err != nil {
		return err
	}
	defer cleanup()

	opts, err := svc.Load(context.Background(), *project)
	if err != nil {
		return fmt.Errorf("load options: %w", err)
	}
	return printOptions(os.Stdout, opts)
}

func printOptions(out io.Writer, opts webhook.Options) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "CONFIGURED\t%t\n", opts.IsConfigured())
	_, _ = fmt.Fprintf(w, "CHANNEL\t%s\n", opts.Channel)
	_, _ = fmt.Fprintf(w, "USERNAME\t%s\n", opts.Username)
	for _, u := range opts.WebhookURLs() {
		_, _ = fmt.Fprintf(w, "URL\t%s\n", u)
	}
	return w.Flush()
}

func runAdminCheckURL(args []string) error {
	fs := flag.NewFlagSet("check-url", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: check-url <url>...")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	guard, err := netguard.New(cfg.Webhook.DisallowedNetworks, nil)
	if err != nil {
		return fmt.Errorf("disallowed networks: %w", err)
	}

	if rejected := checkURLs(context.Background(), guard, fs.Args(), os.Stdout); rejected > 0 {
		return fmt.Errorf("%d of %d urls rejected", rejected, fs.NArg())
	}
	return nil
}

// checkURLs prints a verdict per URL and returns the number rejected.
func checkURLs(ctx context.Context, guard *netguard.Guard, urls []string, out io.Writer) int {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "URL\tVERDICT\tREASON")
	rejected := 0
	for _, u := range urls {
		if err := guard.Validate(ctx, u); err != nil {
			rejected++
			_, _ = fmt.Fprintf(w, "%s\trejected\t%v\n", u, err)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\tallowed\t\n", u)
	}
	_ = w.Flush()
	return rejected
}

func runAdminSign(args []string) error {
	fs := flag.NewFlagSet("sign", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	vault, err := loadVault(cfg.Server)
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	secret := vault.Get(secrets.KeyIngestSecret)
	if secret == "" {
		return errors.New("ingest secret is not set")
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	fmt.Printf("%s: %s\n", middleware.HeaderSignature, middleware.Sign(payload, secret))
	return nil
}

func runAdminPublish(args []string) error {
	fs := flag.NewFlagSet("publish", flag.ContinueOnError)
	subject := fs.String("subject", messagequeue.SubjectPostProcess, "subject to publish to")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.NATS.URL == "" {
		return errors.New("nats.url is not set")
	}

	payload, err := io.ReadAll(os.Stdin)
	if err != nil {
		return fmt.Errorf("read payload: %w", err)
	}
	msg, err := service.Decode(payload)
	if err != nil {
		return err
	}
	// Re-encode so a generated event id travels with the message.
	payload, err = json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	ctx := context.Background()
	q, err := cfnats.Connect(ctx, cfg.NATS)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = q.Close() }()

	if err := q.Publish(ctx, *subject, payload); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	fmt.Fprintf(os.Stderr, "Published event %s to %s\n", msg.Event.ID, *subject)
	return nil
}
