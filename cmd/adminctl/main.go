// Command adminctl drives the admin console API from a terminal.
//
// Configuration comes from CONSOLE_* environment variables (see
// console.LoadConfig). The session is kept in $HOME/.adminctl/session.json
// unless CONSOLE_SESSION_FILE or CONSOLE_REDIS_ADDR says otherwise.
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

	console "github.com/chimerakang/admin-console-go"
	"github.com/chimerakang/admin-console-go/bootstrap"
	"github.com/chimerakang/admin-console-go/session"
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	if errors.Is(err, errUsage) {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "adminctl:", err)
		os.Exit(1)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `Usage: adminctl <command> [flags]

Account:
  signup   -name -email -password     create an account
  signin   -email -password [-code]   sign in; prompts for the emailed code
  forgot   -email [-code] [-password] reset a forgotten password
  signout                             end the session
  whoami                              show the signed-in user

Administration:
  users list [-search] [-status active|inactive] [-role] [-refresh]
  users toggle -id
  users add-roles -id -roles ROLE_A,ROLE_B
  users remove-roles -id -roles ROLE_A,ROLE_B
  users update -id [-name] [-email]
  roles list [-refresh]
  roles add -name
  roles delete -id [-force]
  roles counts

Other:
  demo                                run the flows against an in-process backend`)
}

// cli carries what every command needs.
type cli struct {
	console *console.Client
	graph   *bootstrap.Graph
	in      *bufio.Reader
	out     io.Writer
	errOut  io.Writer
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "help", "-h", "-help", "--help":
		printUsage(stdout)
		return nil
	case "demo":
		return runDemo(ctx, args[1:], stdout, stderr)
	}

	cfg, err := console.LoadConfig()
	if err != nil {
		return err
	}
	if cfg.SessionFile == "" && cfg.RedisAddr == "" {
		if cfg.SessionFile, err = session.DefaultPath(); err != nil {
			return err
		}
	}

	c, err := newCLI(cfg, stdin, stdout, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = c.console.Close() }()
	c.console.Auth().Start(ctx)

	return c.dispatch(ctx, args)
}

func newCLI(cfg console.Config, stdin io.Reader, stdout, stderr io.Writer, opts ...bootstrap.Option) (*cli, error) {
	logger := newLogger(cfg.LogFormat, stderr)
	opts = append([]bootstrap.Option{
		bootstrap.WithLogger(logger),
		bootstrap.WithNotifier(notifier{out: stdout, errOut: stderr}),
		bootstrap.WithNavigator(console.NavigatorFunc(func(route string) {
			logger.Debug("navigate", "route", route)
		})),
	}, opts...)

	g, err := bootstrap.Build(cfg, opts...)
	if err != nil {
		return nil, err
	}
	return &cli{
		console: g.Client,
		graph:   g,
		in:      bufio.NewReader(stdin),
		out:     stdout,
		errOut:  stderr,
	}, nil
}

func newLogger(format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelWarn}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func (c *cli) dispatch(ctx context.Context, args []string) error {
	switch args[0] {
	case "signup":
		return c.signUp(ctx, args[1:])
	case "signin":
		return c.signIn(ctx, args[1:])
	case "forgot":
		return c.forgot(ctx, args[1:])
	case "signout":
		return c.console.Auth().SignOut(ctx)
	case "whoami":
		return c.whoAmI()
	case "users":
		return c.users(ctx, args[1:])
	case "roles":
		return c.roles(ctx, args[1:])
	}
	return fmt.Errorf("%w: unknown command %q", errUsage, args[0])
}

// prompt returns value, or reads a line from stdin when value is empty.
func (c *cli) prompt(value, label string) (string, error) {
	if value != "" {
		return value, nil
	}
	fmt.Fprintf(c.errOut, "%s: ", label)
	line, err := c.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return strings.TrimSpace(line), nil
}

func newFlags(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

// notifier prints notices: successes on stdout, errors on stderr.
type notifier struct {
	out    io.Writer
	errOut io.Writer
}

func (n notifier) Success(msg string) { fmt.Fprintln(n.out, msg) }
func (n notifier) Error(msg string)   { fmt.Fprintln(n.errOut, "error:", msg) }
