// framed is the instance orchestration daemon and its control CLI in one
// binary: "framed serve" runs the daemon, the other subcommands talk to a
// running daemon over its loopback API.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/framehost/framed/internal/api"
	"github.com/framehost/framed/internal/config"
	"github.com/framehost/framed/internal/daemon"
	"github.com/framehost/framed/pkg/client"
)

const version = "1.2.0"

var (
	flagConfig   string
	flagPackages string
	flagAddr     string
)

func main() {
	root := &cobra.Command{
		Use:           "framed",
		Short:         "Per-tenant application server orchestrator",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "/etc/framed/framed.conf", "path to the main configuration file")
	root.PersistentFlags().StringVar(&flagPackages, "packages-dir", "/etc/framed/packages", "directory of per-package limit overrides")
	root.PersistentFlags().StringVar(&flagAddr, "addr", "", "daemon API address (default derived from the config file)")

	root.AddCommand(
		serveCmd(),
		statusCmd(),
		instanceCmd(),
		portCmd(),
		reloadCmd(),
		eventsCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// apiClient builds a client for the local daemon, minting a short-lived
// token from the shared secret file.
func apiClient() (*client.Client, error) {
	snap, err := config.Load(flagConfig, "")
	if err != nil {
		return nil, err
	}

	addr := flagAddr
	if addr == "" {
		addr = fmt.Sprintf("http://127.0.0.1:%d", snap.Service.ManagerPort)
	}

	secret, err := api.LoadSecret(daemon.SecretPath(snap.Service.StateDir))
	if err != nil {
		return nil, fmt.Errorf("failed to read API secret (is the daemon set up?): %w", err)
	}
	token, err := api.IssueToken(secret, "cli", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	return client.New(addr, token), nil
}
