// lzy-workbench is the presentation process. It reaches the host only
// through the call channel and the intercepted scheme.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lzy19926/lzy-code-editor/internal/auth"
	"github.com/lzy19926/lzy-code-editor/internal/config"
	"github.com/lzy19926/lzy-code-editor/internal/logging"
	"github.com/lzy19926/lzy-code-editor/pkg/client"
	"github.com/lzy19926/lzy-code-editor/pkg/filecache"
	"github.com/lzy19926/lzy-code-editor/pkg/ipcclient"
)

// app holds the configuration shared by all commands.
type app struct {
	cfg   *config.Client
	token string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}
	var socket, tokenFile, logLevel string

	root := &cobra.Command{
		Use:           "lzy-workbench",
		Short:         "Presentation-side client for lzy-hostd",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadClient()
			if err != nil {
				return err
			}
			if socket != "" {
				cfg.SocketPath = socket
			}
			if tokenFile != "" {
				cfg.TokenFile = tokenFile
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat}); err != nil {
				return err
			}
			a.cfg = cfg

			token, err := auth.ReadTokenFile(cfg.TokenFile)
			switch {
			case err == nil:
				a.token = token
			case errors.Is(err, os.ErrNotExist):
				logging.Debug("no session token, connecting without one", zap.String("path", cfg.TokenFile))
			default:
				return err
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&socket, "socket", "", "host socket (default $LZY_SOCKET)")
	flags.StringVar(&tokenFile, "token-file", "", "session token file (default $LZY_TOKEN_FILE)")
	flags.StringVar(&logLevel, "log-level", "", "log level (default $LZY_LOG_LEVEL)")

	root.AddCommand(
		newPingCommand(a),
		newTreeCommand(a),
		newCatCommand(a),
		newFetchCommand(a),
		newOpenCommand(a),
		newEditCommand(a),
		newTermCommand(a),
		newNotifyCommand(a),
		newWatchCommand(a),
	)
	return root
}

// dial connects the call channel.
func (a *app) dial(ctx context.Context) (*ipcclient.Client, error) {
	return ipcclient.Dial(ctx, ipcclient.DialConfig{
		SocketPath: a.cfg.SocketPath,
		Token:      a.token,
		Options:    ipcclient.Options{CallTimeout: a.cfg.CallTimeout},
	})
}

// schemeClient returns a client for <scheme>:// requests.
func (a *app) schemeClient() *client.Client {
	return client.New(client.Config{
		SocketPath: a.cfg.SocketPath,
		Token:      a.token,
		Scheme:     a.cfg.Scheme,
		Timeout:    a.cfg.CallTimeout,
	})
}

func (a *app) newCache() *filecache.Cache {
	return filecache.New(filecache.Options{
		MaxEntries: a.cfg.CacheMaxEntries,
		MaxBytes:   a.cfg.CacheMaxBytes,
		OnEvict: func(m *filecache.FileModel) {
			logging.Debug("model evicted", zap.String("path", m.ID))
		},
	})
}
