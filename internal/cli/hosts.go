package cli

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/gluk-w/hostdeck/internal/database"
	"github.com/gluk-w/hostdeck/internal/hostctx"
	"github.com/gluk-w/hostdeck/internal/hosts"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

func newCmdLs(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls",
		Aliases: []string{"list"},
		Short:   "List registered hosts",
		Long:    "List registered hosts. The selected host is marked with *.",
		Example: `
  hostctl ls
  HOSTCTL_SERVER=http://deck:8000 hostctl ls`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			hc := hostctx.New(a.client().Hosts(), a.log)
			if err := hc.Refresh(cmd.Context()); err != nil {
				return err
			}
			// A saved selection that no longer exists leaves the first host selected.
			if id := a.v.GetString(keyHost); id != "" {
				hc.SelectByID(id)
			}
			snap := hc.Snapshot()
			if snap.Phase == hostctx.PhaseNoHosts {
				a.term.Print("No hosts registered. Add one with: hostctl add --name web1 --hostname 10.0.0.5 --user ubuntu")
				return nil
			}

			tw := a.term.Table("", "NAME", "ID", "ENDPOINT", "USER", "STATUS", "ACTIVE", "LAST CHECKED")
			for _, h := range snap.Hosts {
				marker := ""
				if snap.Selected != nil && snap.Selected.ID == h.ID {
					marker = "*"
				}
				tw.AppendRow(table.Row{
					marker, h.Name, h.ID, endpoint(h), h.Username,
					a.term.Status(h.Status), h.IsActive, a.since(h.LastCheckedAt),
				})
			}
			tw.Render()
			return nil
		},
	}
}

func newCmdGet(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "get [host-id]",
		Short: "Show one host",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.hostArg(args)
			if err != nil {
				return err
			}
			h, err := a.client().Hosts().Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.printHost(h)
			return nil
		},
	}
}

type hostFlags struct {
	name, hostname, user, authType string
	password, keyFile              string
	passwordStdin                  bool
	port                           int
	inactive                       bool
}

func (f *hostFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.name, "name", "", "display name")
	fl.StringVar(&f.hostname, "hostname", "", "IP address or DNS name")
	fl.IntVar(&f.port, "port", 22, "SSH port")
	fl.StringVar(&f.user, "user", "", "SSH username")
	fl.StringVar(&f.authType, "auth", "", "authentication type: key or password (inferred when empty)")
	fl.StringVar(&f.password, "password", "", "SSH password")
	fl.BoolVar(&f.passwordStdin, "password-stdin", false, "read the SSH password from stdin")
	fl.StringVar(&f.keyFile, "key-file", "", "path to a PEM private key for this host")
	fl.BoolVar(&f.inactive, "inactive", false, "exclude the host from connectivity monitoring")
}

func (f *hostFlags) secrets(a *app) (password, key string, err error) {
	password = f.password
	if f.passwordStdin {
		if password, err = readSecret(a.in); err != nil {
			return "", "", err
		}
	}
	if f.keyFile != "" {
		data, err := os.ReadFile(f.keyFile)
		if err != nil {
			return "", "", fmt.Errorf("read key file: %w", err)
		}
		key = string(data)
	}
	return password, key, nil
}

func (f *hostFlags) input(a *app) (hosts.HostInput, error) {
	password, key, err := f.secrets(a)
	if err != nil {
		return hosts.HostInput{}, err
	}
	active := !f.inactive
	return hosts.HostInput{
		Name:       f.name,
		Hostname:   f.hostname,
		Port:       f.port,
		Username:   f.user,
		AuthType:   f.authType,
		Password:   password,
		PrivateKey: key,
		IsActive:   &active,
	}, nil
}

func newCmdAdd(a *app) *cobra.Command {
	var f hostFlags
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a host after a successful connection test",
		Long: `Register a host. The server probes the host first, retrying with
backoff, and only saves it once an SSH handshake succeeds.`,
		Example: `
  hostctl add --name web1 --hostname 10.0.0.5 --user ubuntu --password-stdin < pw.txt
  hostctl add --name db1 --hostname db1.internal --port 2222 --user postgres --key-file ~/.ssh/db1`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in, err := f.input(a)
			if err != nil {
				return err
			}
			h, err := a.client().Hosts().Add(cmd.Context(), in)
			if err != nil {
				return err
			}
			a.term.Printf("Added %s (%s), status %s\n", a.term.Bold("%s", h.Name), h.ID, a.term.Status(h.Status))
			return nil
		},
	}
	f.register(cmd)
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("hostname")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func newCmdUpdate(a *app) *cobra.Command {
	var f hostFlags
	cmd := &cobra.Command{
		Use:   "update [host-id]",
		Short: "Change fields of a host",
		Long:  "Change fields of a host. Only the flags given are sent.",
		Example: `
  hostctl update 3f2c... --name web1-old
  hostctl update --inactive`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.hostArg(args)
			if err != nil {
				return err
			}
			patch, err := f.patch(a, cmd)
			if err != nil {
				return err
			}
			h, err := a.client().Hosts().Update(cmd.Context(), id, patch)
			if err != nil {
				return err
			}
			a.term.Printf("Updated %s (%s)\n", a.term.Bold("%s", h.Name), h.ID)
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().Bool("active", false, "include the host in connectivity monitoring")
	cmd.MarkFlagsMutuallyExclusive("active", "inactive")
	return cmd
}

func (f *hostFlags) patch(a *app, cmd *cobra.Command) (hosts.HostPatch, error) {
	fl := cmd.Flags()
	var p hosts.HostPatch
	if fl.Changed("name") {
		p.Name = &f.name
	}
	if fl.Changed("hostname") {
		p.Hostname = &f.hostname
	}
	if fl.Changed("port") {
		p.Port = &f.port
	}
	if fl.Changed("user") {
		p.Username = &f.user
	}
	if fl.Changed("auth") {
		p.AuthType = &f.authType
	}
	if fl.Changed("password") || fl.Changed("password-stdin") || fl.Changed("key-file") {
		password, key, err := f.secrets(a)
		if err != nil {
			return p, err
		}
		if password != "" {
			p.Password = &password
		}
		if key != "" {
			p.PrivateKey = &key
		}
	}
	switch {
	case fl.Changed("inactive"):
		active := !f.inactive
		p.IsActive = &active
	case fl.Changed("active"):
		active, _ := fl.GetBool("active")
		p.IsActive = &active
	}
	return p, nil
}

func newCmdRm(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "rm <host-id>",
		Aliases: []string{"delete"},
		Short:   "Remove a host",
		Long:    "Remove a host. Hosts with commands run in the last few minutes are kept.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			if err := a.client().Hosts().Delete(cmd.Context(), id); err != nil {
				return err
			}
			if a.v.GetString(keyHost) == id {
				if err := a.saveSelectedHost(""); err != nil {
					return err
				}
			}
			a.term.Printf("Removed %s\n", id)
			return nil
		},
	}
}

func newCmdUse(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "use [host-id]",
		Short: "Select the host other commands default to",
		Long: `Select the host that get, update, test, exec and history use when
no host id is given. Without an argument, shows the current selection.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hc := hostctx.New(a.client().Hosts(), a.log)
			if err := hc.Refresh(cmd.Context()); err != nil {
				return err
			}
			if len(args) == 0 {
				id := a.v.GetString(keyHost)
				if id == "" || !hc.SelectByID(id) {
					a.term.Print("No host selected.")
					return nil
				}
				sel := hc.Snapshot().Selected
				a.term.Printf("%s (%s) %s\n", sel.Name, sel.ID, endpoint(*sel))
				return nil
			}
			if !hc.SelectByID(args[0]) {
				return fmt.Errorf("host %s not found", args[0])
			}
			sel := hc.Snapshot().Selected
			if err := a.saveSelectedHost(sel.ID); err != nil {
				return err
			}
			a.term.Printf("Using %s (%s)\n", a.term.Bold("%s", sel.Name), sel.ID)
			return nil
		},
	}
}

func (a *app) printHost(h *database.Host) {
	tw := a.term.Table("FIELD", "VALUE")
	tw.AppendRows([]table.Row{
		{"id", h.ID},
		{"name", h.Name},
		{"endpoint", endpoint(*h)},
		{"user", h.Username},
		{"auth", h.AuthType},
		{"credential", yesNo(h.HasCredential)},
		{"host key", orDash(h.HostKeyFingerprint)},
		{"active", yesNo(h.IsActive)},
		{"status", a.term.Status(h.Status)},
		{"detail", orDash(h.StatusDetail)},
		{"last checked", a.since(h.LastCheckedAt)},
		{"created", h.CreatedAt.Format(time.RFC3339)},
	})
	tw.Render()
}

func endpoint(h database.Host) string {
	return h.Hostname + ":" + strconv.Itoa(h.Port)
}

func (a *app) since(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "never"
	}
	d := a.now().Sub(*t)
	if d < time.Second {
		return "just now"
	}
	return units.HumanDuration(d) + " ago"
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
