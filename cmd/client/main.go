package main

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/astromechza/stock-sync/pkg/channel"
	"github.com/astromechza/stock-sync/pkg/config"
	"github.com/astromechza/stock-sync/pkg/connectivity"
	"github.com/astromechza/stock-sync/pkg/coordinator"
	"github.com/astromechza/stock-sync/pkg/store"
)

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	return newRootCommand().Execute()
}

type options struct {
	configPath string
	serverURL  string
	clientID   string
	dumpPath   string
}

func newRootCommand() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "stock-client",
		Short: "Take stock from the shared counter, online or offline",
		Long: `Connects to a stock server and reads commands from stdin, one per line:

  click, c or an empty line   take one unit of stock
  status, s                   print the coordinator status
  quit, q                     leave and exit`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOrDefault(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("server") {
				cfg.Client.ServerURL = opts.serverURL
			}
			if cmd.Flags().Changed("client-id") {
				cfg.Client.ClientID = opts.clientID
			}
			return run(cmd.Context(), cfg, opts.dumpPath, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "path to a TOML config file")
	cmd.Flags().StringVar(&opts.serverURL, "server", "", "base http url of the stock server")
	cmd.Flags().StringVar(&opts.clientID, "client-id", "", "client id, generated when empty")
	cmd.Flags().StringVar(&opts.dumpPath, "dump", "", "write the local doc to this file on exit")
	return cmd
}

// socketURL turns the server's base http url into its websocket endpoint.
func socketURL(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("failed to parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/socket"
	return u.String(), nil
}

func run(ctx context.Context, cfg config.Config, dumpPath string, in io.Reader, out io.Writer) error {
	logger, err := cfg.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	clientID := cfg.Client.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	actor := uuid.New()
	st, err := store.New(hex.EncodeToString(actor[:]))
	if err != nil {
		return err
	}

	wsURL, err := socketURL(cfg.Client.ServerURL)
	if err != nil {
		return err
	}
	monitor := connectivity.NewMonitor(&connectivity.HTTPProber{
		URL:     strings.TrimSuffix(cfg.Client.ServerURL, "/") + "/healthz",
		Timeout: cfg.Client.Timeout(),
	})
	coord := coordinator.New(coordinator.Config{
		ClientID:     clientID,
		Topic:        cfg.Client.Topic,
		PollInterval: cfg.Client.Probe(),
		PushTimeout:  cfg.Client.Push(),
	}, st, &channel.Dialer{URL: wsURL}, monitor)

	// observers run on the coordinator's loop, so read the store directly rather than asking for Status
	unobserve := st.Observe(func(ev store.Event) {
		if v, ok, err := st.Get(coordinator.StockKey); err == nil && ok {
			fmt.Fprintf(out, "stock=%d (%s)\n", v, ev.Origin)
		}
	})
	defer unobserve()

	slog.Info("starting", "client", clientID, "server", cfg.Client.ServerURL)
	coord.Start()
	defer coord.Shutdown()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			switch strings.ToLower(line) {
			case "", "c", "click":
				coord.Click()
			case "s", "status":
				s := coord.Status()
				fmt.Fprintf(out, "state=%s stock=%d/%d clicks=%d pending=%t online=%t joined=%t\n",
					s.State, s.Value, s.Max, s.Clicks, s.Pending, s.Online, s.Joined)
			case "q", "quit":
				break loop
			default:
				fmt.Fprintf(out, "unknown command %q\n", line)
			}
		}
	}

	coord.Shutdown()
	if dumpPath != "" {
		if err := os.WriteFile(dumpPath, st.EncodeState(), 0o644); err != nil {
			return fmt.Errorf("failed to dump doc: %w", err)
		}
		slog.Info("dumped", "path", dumpPath)
	}
	return nil
}
