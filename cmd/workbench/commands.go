package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/lzy19926/lzy-code-editor/pkg/editor"
	"github.com/lzy19926/lzy-code-editor/pkg/filecache"
	"github.com/lzy19926/lzy-code-editor/pkg/ipcclient"
	"github.com/lzy19926/lzy-code-editor/pkg/models"
	"github.com/lzy19926/lzy-code-editor/pkg/protocol"
	"github.com/lzy19926/lzy-code-editor/pkg/tree"
)

func newPingCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the host answers on both transports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			sc := a.schemeClient()
			defer sc.Close()
			if err := sc.Ping(ctx); err != nil {
				return fmt.Errorf("health: %w", err)
			}

			calls, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer calls.Close()

			res, err := ipcclient.Call[protocol.PingResult](ctx, calls, protocol.OpPing, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "host %s (pid %d)\n", res.Version, res.PID)
			return nil
		},
	}
}

func newTreeCommand(a *app) *cobra.Command {
	var viaCall, filesOnly bool

	cmd := &cobra.Command{
		Use:   "tree",
		Short: "Pick a folder on the host and print its tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var root *models.FileTreeNode
			if viaCall {
				calls, err := a.dial(ctx)
				if err != nil {
					return err
				}
				defer calls.Close()
				root, err = ipcclient.Call[*models.FileTreeNode](ctx, calls, protocol.OpGetFileTree, nil)
				if err != nil {
					return err
				}
			} else {
				sc := a.schemeClient()
				defer sc.Close()
				var err error
				if root, err = sc.FetchTree(ctx); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			if root == nil {
				fmt.Fprintln(out, "No folder selected")
				return nil
			}
			if filesOnly {
				for _, p := range tree.Files(root) {
					fmt.Fprintln(out, p)
				}
				return nil
			}
			printTree(out, root, "")
			fmt.Fprintf(out, "\n%d entries in %s\n", tree.CountNodes(root)-1, root.AbsolutePath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&viaCall, "call", false, "use the call channel instead of the scheme")
	cmd.Flags().BoolVar(&filesOnly, "files", false, "print file paths only")
	return cmd
}

func printTree(w io.Writer, node *models.FileTreeNode, indent string) {
	name := node.Name
	if node.IsDir {
		name += "/"
	}
	fmt.Fprintln(w, indent+name)
	for _, child := range node.Children {
		printTree(w, child, indent+"  ")
	}
}

func newCatCommand(a *app) *cobra.Command {
	var viaCall bool
	var charset string

	cmd := &cobra.Command{
		Use:   "cat <path>",
		Short: "Print a file read by the host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			path, err := filecache.Canonical(args[0])
			if err != nil {
				return err
			}

			var text string
			if viaCall || charset != "" {
				calls, err := a.dial(ctx)
				if err != nil {
					return err
				}
				defer calls.Close()
				text, err = ipcclient.Call[string](ctx, calls, protocol.OpReadFileText,
					protocol.ReadFileTextParams{Path: path, Charset: charset})
				if err != nil {
					return err
				}
			} else {
				sc := a.schemeClient()
				defer sc.Close()
				if text, err = sc.FetchContent(ctx, path); err != nil {
					return err
				}
			}
			fmt.Fprint(cmd.OutOrStdout(), text)
			return nil
		},
	}
	cmd.Flags().BoolVar(&viaCall, "call", false, "use the call channel instead of the scheme")
	cmd.Flags().StringVar(&charset, "charset", "", "decode with this charset (implies --call)")
	return cmd
}

func newFetchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fetch <url>",
		Short: "GET a raw intercepted scheme URL, e.g. lzy://api/getFiles",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sc := a.schemeClient()
			defer sc.Close()

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, args[0], nil)
			if err != nil {
				return err
			}
			resp, err := sc.HTTPClient().Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\n", resp.Status)
			for _, k := range []string{"Content-Type", "Etag", "Allow"} {
				if v := resp.Header.Get(k); v != "" {
					fmt.Fprintf(out, "%s: %s\n", k, v)
				}
			}
			fmt.Fprintln(out)
			_, err = io.Copy(out, resp.Body)
			return err
		},
	}
}

func newOpenCommand(a *app) *cobra.Command {
	var buffer bool

	cmd := &cobra.Command{
		Use:   "open <path>...",
		Short: "Open files concurrently through the file cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			calls, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer calls.Close()

			cache := a.newCache()
			svc := editor.NewModelService(calls, cache)

			opened := make([]*filecache.FileModel, len(args))
			g, gctx := errgroup.WithContext(ctx)
			for i, p := range args {
				g.Go(func() error {
					open := svc.Open
					if buffer {
						open = svc.OpenBuffer
					}
					m, err := open(gctx, p)
					if err != nil {
						return err
					}
					opened[i] = m
					return nil
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tBYTES\tDIGEST")
			for _, m := range opened {
				fmt.Fprintf(w, "%s\t%d\t%s\n", m.ID, len(m.Text), m.Digest()[:16])
			}
			w.Flush()

			st := cache.Stats()
			fmt.Fprintf(cmd.OutOrStdout(), "\ncache: %d models, %d loads, %d hits, %d evictions\n",
				cache.Len(), st.Loads, st.Hits, st.Evictions)
			return nil
		},
	}
	cmd.Flags().BoolVar(&buffer, "buffer", false, "read raw bytes with readFileBufferSync")
	return cmd
}

func newEditCommand(a *app) *cobra.Command {
	var fromStdin bool

	cmd := &cobra.Command{
		Use:   "edit <path>",
		Short: "Edit a file and write it back through the host if it changed",
		Long: "Opens the file through the cache, lets $VISUAL or $EDITOR change a local copy\n" +
			"(or reads the new text from stdin) and reconciles the result with the host.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			calls, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer calls.Close()

			svc := editor.NewModelService(calls, a.newCache())
			defer svc.Watch(calls)()

			m, err := svc.Open(ctx, args[0])
			if err != nil {
				return err
			}
			if err := svc.Activate(m); err != nil {
				return err
			}

			buf := editor.NewBuffer(m.Text)
			slot := editor.NewSurfaceSlot()
			if err := slot.Publish(buf); err != nil {
				return err
			}
			coord := editor.NewCoordinator(svc, calls, slot)

			var text string
			if fromStdin {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = string(data)
			} else if text, err = runEditor(m); err != nil {
				return err
			}
			buf.SetText(text)

			res, err := coord.Reconcile(ctx)
			if err != nil {
				return err
			}
			if res.Written {
				fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", res.Path)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "no changes to %s\n", res.Path)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&fromStdin, "stdin", false, "read the new contents from stdin")
	return cmd
}

// runEditor lets the user's editor change a temporary copy of m.
func runEditor(m *filecache.FileModel) (string, error) {
	tmp, err := os.CreateTemp("", "lzy-edit-*"+filepath.Ext(m.ID))
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(m.Text); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}

	editorCmd := os.Getenv("VISUAL")
	if editorCmd == "" {
		editorCmd = os.Getenv("EDITOR")
	}
	if editorCmd == "" {
		editorCmd = "vi"
	}
	parts := strings.Fields(editorCmd)
	c := exec.Command(parts[0], append(parts[1:], tmp.Name())...)
	c.Stdin, c.Stdout, c.Stderr = os.Stdin, os.Stdout, os.Stderr
	if err := c.Run(); err != nil {
		return "", fmt.Errorf("editor %s: %w", parts[0], err)
	}

	data, err := os.ReadFile(tmp.Name())
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func newTermCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "term",
		Short: "Manage host terminals",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Start a shell on the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			calls, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer calls.Close()

			h, err := ipcclient.Call[protocol.TerminalHandle](ctx, calls, protocol.OpCreateTerminal, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tpid %d\t%s\n", h.ID, h.PID, h.Shell)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "close <id>",
		Short: "Stop a terminal started with create",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			calls, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer calls.Close()

			_, err = calls.Invoke(ctx, protocol.OpCloseTerminal, protocol.TerminalParams{ID: args[0]})
			return err
		},
	})
	return cmd
}

func newNotifyCommand(a *app) *cobra.Command {
	var channel string

	cmd := &cobra.Command{
		Use:   "notify <json>",
		Short: "Publish a notification to the other connected processes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !json.Valid([]byte(args[0])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			calls, err := a.dial(cmd.Context())
			if err != nil {
				return err
			}
			defer calls.Close()
			return calls.Notify(channel, json.RawMessage(args[0]))
		},
	}
	cmd.Flags().StringVar(&channel, "channel", protocol.ChannelProxy, "notification channel")
	return cmd
}

func newWatchCommand(a *app) *cobra.Command {
	var channels []string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print notifications until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			calls, err := a.dial(ctx)
			if err != nil {
				return err
			}
			defer calls.Close()

			out := cmd.OutOrStdout()
			for _, ch := range channels {
				defer calls.Subscribe(ch, func(payload json.RawMessage) {
					fmt.Fprintf(out, "%s\t%s\n", ch, payload)
				})()
			}

			select {
			case <-ctx.Done():
				return nil
			case <-calls.Done():
				return calls.Err()
			}
		},
	}
	cmd.Flags().StringSliceVar(&channels, "channel",
		[]string{protocol.ChannelFileChanged, protocol.ChannelProxy}, "channels to print")
	return cmd
}
