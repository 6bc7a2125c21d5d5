package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"text/tabwriter"

	"code.cloudfoundry.org/lager/v3"
	"github.com/spf13/cobra"

	"code.cloudfoundry.org/mjail"
	"code.cloudfoundry.org/mjail/command_runner"
	"code.cloudfoundry.org/mjail/config"
	"code.cloudfoundry.org/mjail/jail"
	"code.cloudfoundry.org/mjail/metrics"
)

// newRootCommand returns the command tree and an accessor for the
// environment set up before any subcommand runs. The environment is nil
// until then.
func newRootCommand() (*cobra.Command, func() *environment) {
	var (
		configPath string
		logLevel   string
		env        *environment
	)

	root := &cobra.Command{
		Use:           "mjail",
		Short:         "Manage FreeBSD jails cloned from a shared base release",
		SilenceUsage:  true,
		SilenceErrors: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := parseLogLevel(logLevel)
			if err != nil {
				return err
			}

			conf, err := config.Load(configPath)
			if err != nil {
				return err
			}

			err = metrics.Register()
			if err != nil {
				return err
			}

			env, err = newEnvironment(conf, command_runner.New(), newLogger(cmd.ErrOrStderr(), level))
			return err
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultPath, "mjail configuration file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, error or fatal")

	current := func() *environment { return env }

	root.AddCommand(
		initCommand(current),
		createCommand(current),
		deleteCommand(current),
		startCommand(current),
		stopCommand(current),
		listCommand(current),
		assignIP4Command(current),
		setIP4Command(current),
		rdrCommand(current),
		cancelRdrCommand(current),
		sshBoxCommand(current),
		updateCommand(current),
		upgradeCommand(current),
		shellCommand(current),
		execCommand(current),
		releaseCommand(current),
		refreshFirewallCommand(current),
	)

	return root, current
}

func initCommand(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Prepare the host: jail interface, directories, base release and pf anchor",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := env().host()
			if err != nil {
				return err
			}

			return h.Init()
		},
	}
}

func jailCommand(env func() *environment, use, short string, run func(*jail.Jail) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <name>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			return run(j)
		},
	}
}

func createCommand(env func() *environment) *cobra.Command {
	return jailCommand(env, "create", "Create a jail from the base release", (*jail.Jail).Create)
}

func deleteCommand(env func() *environment) *cobra.Command {
	return jailCommand(env, "delete", "Stop a jail and remove everything mjail knows about it", (*jail.Jail).Delete)
}

func startCommand(env func() *environment) *cobra.Command {
	return jailCommand(env, "start", "Start a jail", (*jail.Jail).Start)
}

func stopCommand(env func() *environment) *cobra.Command {
	return jailCommand(env, "stop", "Stop a jail", (*jail.Jail).Stop)
}

func listCommand(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the jails managed by mjail",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			depot, err := env().depot()
			if err != nil {
				return err
			}

			jails, err := depot.Jails()
			if err != nil {
				return err
			}

			return printJails(cmd.OutOrStdout(), jails)
		},
	}
}

func printJails(out io.Writer, jails []jail.Info) error {
	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)

	fmt.Fprintln(w, "NAME\tRELEASE\tIP4\tREDIRECTS")

	for _, info := range jails {
		addresses := make([]string, len(info.Addresses))
		for i, ip := range info.Addresses {
			addresses[i] = ip.String()
		}

		redirects := make([]string, len(info.Redirects))
		for i, r := range info.Redirects {
			redirects[i] = fmt.Sprintf("%s/%d->%d", r.Protocol, r.HostPort, r.JailPort)
		}

		fmt.Fprintf(
			w,
			"%s\t%s\t%s\t%s\n",
			info.Name,
			orDash(info.Release),
			orDash(strings.Join(addresses, ",")),
			orDash(strings.Join(redirects, ",")),
		)
	}

	return w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}

	return s
}

func assignIP4Command(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "assign-ip4 <name>",
		Short: "Give a jail the next free address of the jail network",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			ip, err := j.AssignIP4()
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), ip)

			return nil
		},
	}
}

func setIP4Command(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "set-ip4 <name> <address>",
		Short: "Give a jail a specific address",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ip := net.ParseIP(args[1])
			if ip == nil {
				return mjail.ValidationError{Field: "ip4 address", Reason: fmt.Sprintf("%q is not an address", args[1])}
			}

			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			return j.SetIP4(ip)
		},
	}
}

func parseRedirect(proto, hostPort string) (mjail.Protocol, uint16, error) {
	protocol, err := mjail.ParseProtocol(proto)
	if err != nil {
		return "", 0, err
	}

	port, err := mjail.ParsePort("host port", hostPort)
	if err != nil {
		return "", 0, err
	}

	return protocol, port, nil
}

func rdrCommand(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "rdr <name> <tcp|udp> <host-port> <jail-port>",
		Short: "Redirect a port of the external interface to a jail",
		Args:  cobra.ExactArgs(4),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, hostPort, err := parseRedirect(args[1], args[2])
			if err != nil {
				return err
			}

			jailPort, err := mjail.ParsePort("jail port", args[3])
			if err != nil {
				return err
			}

			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			return j.AddRedirect(proto, hostPort, jailPort)
		},
	}
}

func cancelRdrCommand(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel-rdr <tcp|udp> <host-port>",
		Short: "Remove the redirect of a port of the external interface",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			proto, hostPort, err := parseRedirect(args[0], args[1])
			if err != nil {
				return err
			}

			depot, err := env().depot()
			if err != nil {
				return err
			}

			return depot.CancelRedirect(proto, hostPort)
		},
	}
}

func sshBoxCommand(env func() *environment) *cobra.Command {
	var jailPort string

	cmd := &cobra.Command{
		Use:   "ssh-box <name> <public-key-file> <host-port>",
		Short: "Allow root to log into a jail with a single key through a host port",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			publicKey, err := os.ReadFile(args[1])
			if err != nil {
				return err
			}

			hostPort, err := mjail.ParsePort("host port", args[2])
			if err != nil {
				return err
			}

			internal, err := mjail.ParsePort("jail port", jailPort)
			if err != nil {
				return err
			}

			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			return j.ProvisionSSH(string(publicKey), hostPort, internal)
		},
	}

	cmd.Flags().StringVar(&jailPort, "jail-port", "22", "port sshd listens on inside the jail")

	return cmd
}

func updateCommand(env func() *environment) *cobra.Command {
	var unattended bool

	cmd := &cobra.Command{
		Use:   "update <name>",
		Short: "Apply pending patches to a jail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			outcome, err := j.Update(unattended)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), outcome)

			return nil
		},
	}

	cmd.Flags().BoolVar(&unattended, "unattended", false, "do not page or prompt")

	return cmd
}

func upgradeCommand(env func() *environment) *cobra.Command {
	var unattended bool

	cmd := &cobra.Command{
		Use:   "upgrade <name> <release>",
		Short: "Upgrade a jail to another release of the same major version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			return j.MinorUpgrade(args[1], unattended)
		},
	}

	cmd.Flags().BoolVar(&unattended, "unattended", false, "do not page")

	return cmd
}

func shellCommand(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "shell <name> [shell]",
		Short: "Open a shell in a running jail",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			shell := ""
			if len(args) == 2 {
				shell = args[1]
			}

			return j.Shell(shell)
		},
	}
}

func execCommand(env func() *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "exec <name> <command> [args...]",
		Short: "Run a command in a running jail",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := env().jail(args[0])
			if err != nil {
				return err
			}

			return j.Execute(args[1], args[2:]...)
		},
	}

	cmd.Flags().SetInterspersed(false)

	return cmd
}

func releaseCommand(env func() *environment) *cobra.Command {
	release := &cobra.Command{
		Use:   "release",
		Short: "Manage base releases",
	}

	build := &cobra.Command{
		Use:   "build [release]",
		Short: "Fetch, extract and patch a release, by default the host's",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := env().release(optionalArg(args))
			if err != nil {
				return err
			}

			if rel.Built() {
				env().logger.Info("already-built", lager.Data{"release": rel.Version()})
				return nil
			}

			return rel.Build()
		},
	}

	var unattended bool

	update := &cobra.Command{
		Use:   "update [release]",
		Short: "Apply pending patches to a release",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rel, err := env().release(optionalArg(args))
			if err != nil {
				return err
			}

			outcome, err := rel.Update(unattended)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), outcome)

			return nil
		},
	}

	update.Flags().BoolVar(&unattended, "unattended", false, "do not page or prompt")

	release.AddCommand(build, update)

	return release
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}

	return args[0]
}

func refreshFirewallCommand(env func() *environment) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh-firewall",
		Short: "Reload the pf anchor from jail.conf",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return env().firewall.RefreshAnchor()
		},
	}
}
