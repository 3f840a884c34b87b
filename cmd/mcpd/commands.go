package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/mcpd-dev/mcpd/internal/config"
	"github.com/mcpd-dev/mcpd/pkg/client"
)

// apiFlags are shared by every command that talks to a running daemon.
type apiFlags struct {
	URL     string
	Timeout time.Duration
}

func (f *apiFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.URL, "api", client.DefaultConfig().BaseURL, "daemon API base URL")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", client.DefaultConfig().Timeout, "request timeout")
}

func (f *apiFlags) client(ctx context.Context) (*client.Client, error) {
	c := client.New(client.Config{BaseURL: f.URL, Timeout: f.Timeout})
	if !c.IsReachable(ctx) {
		return nil, fmt.Errorf("daemon not reachable at %s - start it with 'mcpd serve'", f.URL)
	}
	return c, nil
}

func printJSON(v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		return
	}
	fmt.Println(string(b))
}

func newListCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all defined servers and their runtime state",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			states, err := c.List(cmd.Context())
			if err != nil {
				return err
			}
			printJSON(states)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newStatusCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Show one server's runtime state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(st)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newStartCmd() *cobra.Command {
	var f apiFlags
	var all bool
	cmd := &cobra.Command{
		Use:   "start [id]",
		Short: "Start one server, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				res, err := c.StartAll(cmd.Context())
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("server id required (or --all)")
			}
			res, err := c.Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "start every defined server")
	f.register(cmd)
	return cmd
}

func newStopCmd() *cobra.Command {
	var f apiFlags
	var all bool
	cmd := &cobra.Command{
		Use:   "stop [id]",
		Short: "Stop one server, or all with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			if all {
				res, err := c.StopAll(cmd.Context())
				if err != nil {
					return err
				}
				printJSON(res)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("server id required (or --all)")
			}
			res, err := c.Stop(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "stop every defined server")
	f.register(cmd)
	return cmd
}

func newRestartCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "restart <id>",
		Short: "Restart one server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			res, err := c.Restart(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			printJSON(res)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newRegisterCmd() *cobra.Command {
	var f apiFlags
	var command string
	var args []string
	var env []string
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Create or update a server definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, cargs []string) error {
			if command == "" {
				return fmt.Errorf("--command is required")
			}
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			def := config.ServerDefinition{
				ID:      cargs[0],
				Command: command,
				Args:    args,
				Env:     parseEnv(env),
			}
			if err := c.Register(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Printf("registered %s\n", def.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "executable to launch")
	cmd.Flags().StringArrayVar(&args, "arg", nil, "command argument (repeatable, ordered)")
	cmd.Flags().StringArrayVar(&env, "env", nil, "KEY=VALUE environment entry (repeatable)")
	f.register(cmd)
	return cmd
}

func newUnregisterCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "unregister <id>",
		Short: "Remove a server definition (stop it first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Unregister(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newExportCmd() *cobra.Command {
	var f apiFlags
	cmd := &cobra.Command{
		Use:   "export <path>",
		Short: "Export contexts and function groups to a file on the daemon host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Export(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("exported to %s\n", args[0])
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newImportCmd() *cobra.Command {
	var f apiFlags
	var overwrite bool
	cmd := &cobra.Command{
		Use:   "import <path>",
		Short: "Import contexts and function groups from a file on the daemon host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := f.client(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.Import(cmd.Context(), args[0], overwrite); err != nil {
				return err
			}
			fmt.Printf("imported from %s\n", args[0])
			return nil
		},
	}
	cmd.Flags().BoolVar(&overwrite, "overwrite", false, "overwrite existing ids")
	f.register(cmd)
	return cmd
}

func parseEnv(kvs []string) map[string]string {
	out := make(map[string]string, len(kvs))
	for _, kv := range kvs {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			out[kv[:i]] = kv[i+1:]
		}
	}
	return out
}
