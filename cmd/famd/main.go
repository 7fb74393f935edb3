// Command famd is the file-alteration-monitor daemon: it binds the
// rendezvous sockets, registers with the portmapper, and runs
// internal/daemon.Context's reactor loop until the idle timeout fires or
// it is killed.
//
// Flags bind through a pflag.FlagSet hung off a cobra.Command; famd
// only ever has the one command, so there is no subcommand tree, just a
// single root.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ncw/famd/internal/daemon"
	"github.com/ncw/famd/internal/famconfig"
	"github.com/ncw/famd/internal/famlog"
	"github.com/ncw/famd/internal/listener"
)

// flagToConfigKey maps a CLI flag's pflag name to the config-file key it
// overrides, so LoadFile's explicitlySet (keyed by config-file
// vocabulary) correctly reflects flags the user passed under their
// dash-separated CLI spelling.
var flagToConfigKey = map[string]string{
	"local-only":             "local_only",
	"idle-timeout":           "idle_timeout",
	"poll-interval":          "nfs_polling_interval",
	"insecure-compat":        "insecure_compatibility",
	"disable-remote-polling": "disable_remote_polling",
}

func main() {
	cfg := famconfig.Default()
	log := famlog.New()

	explicitlySet := map[string]bool{}

	root := &cobra.Command{
		Use:           "famd",
		Short:         "file alteration monitor daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.Flags().Visit(func(f *pflag.Flag) {
				if key, ok := flagToConfigKey[f.Name]; ok {
					explicitlySet[key] = true
				}
			})
			return run(cfg, log, explicitlySet)
		},
	}
	cfg.BindFlags(root.Flags())

	if err := root.Execute(); err != nil {
		log.Fatalf("famd", "%v", err)
		os.Exit(1)
	}
}

// run implements the configuration-fatal checks (missing privilege,
// missing untrusted user, portmap/listen failure all exit 1) before
// handing control to the reactor.
func run(cfg *famconfig.Config, log *famlog.Logger, explicitlySet map[string]bool) error {
	if err := cfg.ApplyParsedFlags(); err != nil {
		return err
	}
	if err := cfg.LoadFile(cfg.ConfigFile, explicitlySet); err != nil {
		return err
	}

	if cfg.Debug {
		log.SetDebug()
	} else if cfg.Info {
		log.SetInfo()
	}

	if !cfg.Foreground {
		log.Infof("famd", "running attached to the controlling terminal; detaching (-f not given) is a deployment concern left to the process supervisor")
	}

	if !isSuperuser() {
		return fmt.Errorf("famd: must run as superuser to assume client credentials")
	}

	ctx, err := daemon.New(cfg, log)
	if err != nil {
		return fmt.Errorf("famd: %w", err)
	}

	var tcpLn net.Listener
	for p := 1023; p >= 512; p-- {
		if tcpLn, err = net.Listen("tcp", fmt.Sprintf(":%d", p)); err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("famd: binding rendezvous socket: %w", err)
	}
	port := uint16(tcpLn.Addr().(*net.TCPAddr).Port)

	sockPath := "/var/run/famd.sock"
	_ = os.Remove(sockPath)
	unixLn, err := net.Listen("unix", sockPath)
	if err != nil {
		tcpLn.Close()
		return fmt.Errorf("famd: binding local rendezvous socket: %w", err)
	}

	if err := ctx.RegisterPortmapper(port); err != nil {
		tcpLn.Close()
		unixLn.Close()
		return fmt.Errorf("famd: registering with portmapper: %w", err)
	}
	defer func() { _ = ctx.DeregisterPortmapper() }()

	ctx.OnIdleExit(func() {
		log.Infof("famd", "idle timeout elapsed with no active sessions, exiting")
		ctx.Sched.Exit()
	})

	ctx.Serve(tcpLn, unixLn, listener.SOPeerCred{})
	defer ctx.Close()

	log.Infof("famd", "listening on tcp port %d and %s (program %d version %d)", port, sockPath, cfg.Program, cfg.Version)
	ctx.Sched.Run()
	return nil
}

// isSuperuser reports whether the process's effective uid is 0, the
// precondition for assuming arbitrary client identities before each
// filesystem access.
func isSuperuser() bool {
	return os.Geteuid() == 0
}
