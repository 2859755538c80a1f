// Command bridgeaid runs the BridgeAID client: either as a local agent for a
// UI shell (serve) or as one-shot commands against the backend.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"github.com/bridgeaid/client/internal/apiclient"
	"github.com/bridgeaid/client/internal/app"
	"github.com/bridgeaid/client/internal/config"
	"github.com/bridgeaid/client/internal/session"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/logger"
)

const usage = `usage: bridgeaid [-env FILE] <command> [args]

commands:
  serve                     run the local agent until interrupted
  login -email E [-password P]
                            sign in; the password is read from stdin when omitted
  logout                    forget stored credentials
  whoami                    print the signed-in user's profile
  stats                     print dashboard counters
  list <resource> [k=v ...] list a resource with optional filters
  get <path>                GET a backend path, e.g. /vacancies/
`

type serveHandshake struct {
	Addr       string `json:"addr"`
	AgentToken string `json:"agent_token"`
}

// errNotSignedIn makes the process exit non-zero without extra output.
var errNotSignedIn = errors.New("not signed in")

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, errNotSignedIn) && !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, "bridgeaid:", err)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("bridgeaid", flag.ContinueOnError)
	global.SetOutput(stderr)
	global.Usage = func() { fmt.Fprint(stderr, usage) }
	envFile := global.String("env", ".env", "optional dotenv file")
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return flag.ErrHelp
	}
	cmd, cmdArgs := global.Arg(0), global.Args()[1:]

	// Load configuration from the environment.
	cfg, err := config.Load(*envFile)
	if err != nil {
		return err
	}

	// Initialize structured logger.
	log := logger.NewWithWriter("bridgeaid", cfg.LogLevel, logger.Format(cfg.LogFormat), stderr)

	// Create the application with all dependencies wired.
	application, err := app.NewApp(cfg, log)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	if cmd == "serve" {
		log.Info("starting bridgeaid agent",
			slog.String("environment", cfg.Environment),
			slog.String("addr", cfg.AgentAddr),
		)
		// The UI shell reads this line to learn where and how to call the agent.
		if err := json.NewEncoder(stdout).Encode(serveHandshake{
			Addr:       cfg.AgentAddr,
			AgentToken: application.AgentToken(),
		}); err != nil {
			_ = application.Shutdown()
			return fmt.Errorf("write handshake: %w", err)
		}
		return application.Run(ctx)
	}

	defer func() { _ = application.Shutdown() }()

	switch cmd {
	case "login":
		return login(ctx, application, cmdArgs, stdin, stdout, stderr)
	case "logout":
		application.Session().Logout(ctx)
		fmt.Fprintln(stdout, "signed out")
		return nil
	case "whoami":
		s, err := requireSession(ctx, application, stderr)
		if err != nil {
			return err
		}
		return printJSON(stdout, s.User)
	case "stats":
		if _, err := requireSession(ctx, application, stderr); err != nil {
			return err
		}
		body, err := application.Catalog().Dashboard.Stats(ctx)
		if err != nil {
			return describe(err)
		}
		return printJSON(stdout, body)
	case "list":
		return list(ctx, application, cmdArgs, stdout)
	case "get":
		return get(ctx, application, cmdArgs, stdout)
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func login(ctx context.Context, a *app.App, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(stderr)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password (read from stdin when empty)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *password == "" {
		fmt.Fprint(stderr, "password: ")
		pw, err := readPassword(stdin)
		fmt.Fprintln(stderr)
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		*password = pw
	}

	res := a.Session().Login(ctx, *email, *password)
	if !res.Success {
		return errors.New(res.Error)
	}
	s := a.Session().Current()
	fmt.Fprintf(stdout, "signed in as %s\n", s.User.Email())
	return nil
}

// readPassword reads one line from stdin without echo when stdin is a
// terminal, and as plain text when it is piped.
func readPassword(stdin io.Reader) (string, error) {
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		b, err := term.ReadPassword(int(f.Fd()))
		return string(b), err
	}
	line, err := bufio.NewReader(stdin).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// requireSession resolves stored credentials and fails when there are none.
func requireSession(ctx context.Context, a *app.App, stderr io.Writer) (session.Session, error) {
	s := a.Session().Initialize(ctx)
	if !s.Authenticated() {
		fmt.Fprintln(stderr, "not signed in; run `bridgeaid login -email ...` first")
		return s, errNotSignedIn
	}
	return s, nil
}

func list(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return fmt.Errorf("list: resource required, one of %s", strings.Join(a.Catalog().ResourceNames(), ", "))
	}
	res, ok := a.Catalog().Resource(args[0])
	if !ok {
		return fmt.Errorf("list: unknown resource %q, one of %s", args[0], strings.Join(a.Catalog().ResourceNames(), ", "))
	}

	filters := url.Values{}
	for _, kv := range args[1:] {
		k, v, found := strings.Cut(kv, "=")
		if !found || k == "" {
			return fmt.Errorf("list: filter %q must be key=value", kv)
		}
		filters.Add(k, v)
	}

	body, err := res.List(ctx, filters)
	if err != nil {
		return describe(err)
	}
	return printJSON(stdout, body)
}

func get(ctx context.Context, a *app.App, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return errors.New("get: exactly one path required")
	}
	resp, err := a.Client().Dispatch(ctx, apiclient.NewRequest(http.MethodGet, args[0]))
	if err != nil {
		return describe(err)
	}
	return printJSON(stdout, resp.JSON())
}

// describe prefers the backend's own message for rejected calls.
func describe(err error) error {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("backend returned %d: %s", apiErr.Status, apiErr.Message())
	}
	return err
}

func printJSON(w io.Writer, v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		if len(raw) == 0 {
			return nil
		}
		var buf bytes.Buffer
		if err := json.Indent(&buf, raw, "", "  "); err != nil {
			_, werr := fmt.Fprintln(w, string(raw))
			return werr
		}
		buf.WriteByte('\n')
		_, err := buf.WriteTo(w)
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
