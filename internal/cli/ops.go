package cli

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/hostdeck/internal/events"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

// ExitError carries the exit status of a remote command so main can
// reproduce it.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command exited with status %d", e.Code)
}

func newCmdTest(a *app) *cobra.Command {
	var f hostFlags
	cmd := &cobra.Command{
		Use:   "test [host-id]",
		Short: "Test SSH connectivity",
		Long: `Test SSH connectivity of a registered host, or of an unsaved one when
--hostname is given. Nothing is stored either way.`,
		Example: `
  hostctl test 3f2c...
  hostctl test --hostname 10.0.0.9 --user ubuntu --password-stdin`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hc := a.client().Hosts()
			if cmd.Flags().Changed("hostname") {
				in, err := f.input(a)
				if err != nil {
					return err
				}
				if in.Name == "" {
					in.Name = in.Hostname
				}
				res, err := hc.TestInput(cmd.Context(), in)
				if err != nil {
					return err
				}
				a.term.Printf("%s %s in %dms after %d attempt(s), host key %s\n",
					a.term.Green("reachable"), in.Hostname, res.LatencyMS, res.Attempts, orDash(res.HostKeyFingerprint))
				return nil
			}

			id, err := a.hostArg(args)
			if err != nil {
				return err
			}
			res, err := hc.Test(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.term.Printf("%s %s in %dms after %d attempt(s), host key %s\n",
				a.term.Green("reachable"), id, res.LatencyMS, res.Attempts, orDash(res.HostKeyFingerprint))
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

func newCmdExec(a *app) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "exec [--host id] -- <command...>",
		Short: "Run a command on a host",
		Long: `Run a command on a host and print its output. hostctl exits with the
remote command's status.`,
		Example: `
  hostctl exec -- uptime
  hostctl exec --host 3f2c... -- df -h /`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var hostArgs []string
			if host != "" {
				hostArgs = []string{host}
			}
			id, err := a.hostArg(hostArgs)
			if err != nil {
				return err
			}
			res, err := a.client().Hosts().Exec(cmd.Context(), id, strings.Join(args, " "))
			if err != nil {
				return err
			}
			fmt.Fprint(a.term.out, res.Stdout)
			fmt.Fprint(a.term.err, res.Stderr)
			if res.Truncated {
				a.term.Eprint(a.term.Yellow("output truncated"))
			}
			if res.ExitCode != 0 {
				return &ExitError{Code: res.ExitCode}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "host id (defaults to the selected host)")
	return cmd
}

func newCmdHistory(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [host-id]",
		Short: "Show commands recently run on a host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.hostArg(args)
			if err != nil {
				return err
			}
			rows, err := a.client().Hosts().History(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				a.term.Print("No commands recorded.")
				return nil
			}
			tw := a.term.Table("WHEN", "COMMAND", "EXIT", "DURATION")
			for _, r := range rows {
				at := r.CreatedAt
				exit := fmt.Sprint(r.ExitCode)
				if r.ExitCode != 0 {
					exit = a.term.Red("%d", r.ExitCode)
				}
				tw.AppendRow(table.Row{
					a.since(&at), r.Command, exit,
					units.HumanDuration(time.Duration(r.DurationMS) * time.Millisecond),
				})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of entries (server default when 0)")
	return cmd
}

func newCmdImport(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <file|->",
		Short: "Register hosts from a YAML seed file",
		Long: `Register hosts from a YAML seed file without probing them. Hosts whose
endpoint is already registered are skipped.`,
		Example: `
  hostctl import hosts.yaml
  cat hosts.yaml | hostctl import -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var data []byte
			var err error
			if args[0] == "-" {
				data, err = io.ReadAll(a.in)
			} else {
				data, err = os.ReadFile(args[0])
			}
			if err != nil {
				return fmt.Errorf("read seed file: %w", err)
			}
			res, err := a.client().Hosts().Import(cmd.Context(), data)
			if err != nil {
				return err
			}
			for _, name := range res.Added {
				a.term.Printf("%s %s\n", a.term.Green("added"), name)
			}
			for _, name := range res.Skipped {
				a.term.Printf("%s %s (already registered)\n", a.term.Yellow("skipped"), name)
			}
			return nil
		},
	}
}

func newCmdSuggested(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "suggested",
		Short: "List hosts from the server's ssh_config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := a.client().Hosts().Suggested(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				a.term.Print("No suggestions.")
				return nil
			}
			tw := a.term.Table("NAME", "ENDPOINT", "USER", "MANAGED")
			for _, s := range list {
				tw.AppendRow(table.Row{s.Name, fmt.Sprintf("%s:%d", s.Hostname, s.Port), orDash(s.Username), yesNo(s.Managed)})
			}
			tw.Render()
			return nil
		},
	}
}

func newCmdWatch(a *app) *cobra.Command {
	var host string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream host status changes",
		Long:  "Stream host events until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.client().Watch(cmd.Context(), func(e events.Event) error {
				if host != "" && e.HostID != host {
					return nil
				}
				line := fmt.Sprintf("%s %-14s %s", e.Timestamp.Local().Format(time.TimeOnly), e.Type, e.HostID)
				if e.Status != "" {
					line += " " + a.term.Status(e.Status)
					if e.Previous != "" {
						line += " (was " + e.Previous + ")"
					}
				}
				if e.Detail != "" {
					line += ": " + e.Detail
				}
				a.term.Print(line)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&host, "host", "", "only show events for this host id")
	return cmd
}

func readSecret(r io.Reader) (string, error) {
	if r == nil {
		return "", errors.New("no input to read the password from")
	}
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("read password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("password read from stdin is empty")
	}
	return line, nil
}

func newCmdMetrics(a *app) *cobra.Command {
	var history bool
	var since time.Duration
	cmd := &cobra.Command{
		Use:   "metrics [host-id]",
		Short: "Show CPU, memory, disk and load of a host",
		Long: `Show a resource snapshot of a host. The server reuses a recent snapshot
for a short while instead of querying the host again. With --history,
list the snapshots the server has recorded.`,
		Example: `
  hostctl metrics
  hostctl metrics 3f2c... --history --since 1h`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.hostArg(args)
			if err != nil {
				return err
			}
			hc := a.client().Hosts()
			if !history {
				m, err := hc.SystemMetrics(cmd.Context(), id)
				if err != nil {
					return err
				}
				tw := a.term.Table("METRIC", "VALUE")
				tw.AppendRows([]table.Row{
					{"cpu", percent(m.CPUPercent)},
					{"memory", percent(m.MemoryPercent)},
					{"disk", percent(m.DiskPercent)},
					{"load", loadAverage(m.LoadAverage)},
					{"collected", a.since(&m.CollectedAt)},
				})
				tw.Render()
				return nil
			}

			var from time.Time
			if since > 0 {
				from = a.now().Add(-since)
			}
			list, err := hc.SystemMetricsHistory(cmd.Context(), id, from, time.Time{})
			if err != nil {
				return err
			}
			if len(list) == 0 {
				a.term.Print("No snapshots recorded.")
				return nil
			}
			tw := a.term.Table("WHEN", "CPU", "MEMORY", "DISK", "LOAD")
			for _, m := range list {
				at := m.CollectedAt
				tw.AppendRow(table.Row{a.since(&at), percent(m.CPUPercent), percent(m.MemoryPercent), percent(m.DiskPercent), loadAverage(m.LoadAverage)})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().BoolVar(&history, "history", false, "list recorded snapshots instead of the current one")
	cmd.Flags().DurationVar(&since, "since", 0, "with --history, only snapshots newer than this")
	return cmd
}

func percent(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64) + "%"
}

func loadAverage(l []float64) string {
	if len(l) == 0 {
		return "-"
	}
	parts := make([]string, len(l))
	for i, v := range l {
		parts[i] = strconv.FormatFloat(v, 'f', 2, 64)
	}
	return strings.Join(parts, " ")
}
