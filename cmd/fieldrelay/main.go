// main.go - Fieldrelay node binary.
// Copyright (C) 2026  The Fieldrelay Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/carlmjohnson/versioninfo"
	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/katzenpost/fieldrelay/config"
	"github.com/katzenpost/fieldrelay/secure"
	"github.com/katzenpost/fieldrelay/server"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fieldrelay",
		Short: "Resilient message relay for disconnected field deployments",
		Long: `fieldrelay runs a relay node of a command and control network made of a
command center, edge gateways and mobile agents.

Messages are prioritized, acknowledged and retried.  Upstream traffic is
kept in a durable buffer while the command center is unreachable and
synchronized once the link returns.  When no direct link to a destination
exists the node can forward over a multi-hop mesh built from the agents'
reported positions.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newRunCommand(),
		newGenKeysCommand(),
		newMeshSimCommand(),
	)
	return cmd
}

func newRunCommand() *cobra.Command {
	var configFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a relay node",
		Example: `  # Start a node
  fieldrelay run -f /etc/fieldrelay/fieldrelay.toml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(configFile)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "fieldrelay.toml",
		"path to the node configuration file (TOML format)")
	return cmd
}

func newGenKeysCommand() *cobra.Command {
	var (
		dir      string
		kemName  string
		signName string
		keep     bool
	)

	cmd := &cobra.Command{
		Use:   "genkeys",
		Short: "Generate node identity keys",
		Long: `Generate the KEM and signature key pairs of a node and write them as PEM
files.  The public key files are what other nodes list under
[[Security.Peers]].`,
		Example: `  fieldrelay genkeys -d /var/lib/fieldrelay
  fieldrelay genkeys -d ./keys --kem MLKEM768-X25519 --sign Ed25519`,
		RunE: func(cmd *cobra.Command, args []string) error {
			kemScheme, signScheme, err := secure.Schemes(kemName, signName)
			if err != nil {
				return err
			}
			var id *secure.Identity
			if keep {
				var created bool
				if id, created, err = secure.LoadOrGenerateIdentity(dir, kemScheme, signScheme); err != nil {
					return err
				}
				if !created {
					fmt.Fprintf(cmd.OutOrStdout(), "Keys already present, fingerprint %s\n", id.Fingerprint())
					return nil
				}
			} else {
				if id, err = secure.GenerateIdentity(kemScheme, signScheme); err != nil {
					return err
				}
				if err = secure.WriteIdentity(dir, id); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote keys to %s, fingerprint %s\n", dir, id.Fingerprint())
			return nil
		},
	}
	cmd.Flags().StringVarP(&dir, "dir", "d", ".", "directory to write the key files to")
	cmd.Flags().StringVar(&kemName, "kem", "X25519", "KEM scheme")
	cmd.Flags().StringVar(&signName, "sign", "Ed25519", "signature scheme")
	cmd.Flags().BoolVar(&keep, "keep", false, "keep existing keys instead of overwriting them")
	return cmd
}

func main() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(versioninfo.Short()),
	); err != nil {
		os.Exit(1)
	}
}

func runServer(configFile string) error {
	// Ensure that a sane number of OS threads is allowed.
	if os.Getenv("GOMAXPROCS") == "" {
		nProcs := runtime.GOMAXPROCS(0)
		nCPU := runtime.NumCPU()
		if nProcs < nCPU {
			runtime.GOMAXPROCS(nCPU)
		}
	}

	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
	}

	haltCh := make(chan os.Signal, 1)
	signal.Notify(haltCh, os.Interrupt, syscall.SIGTERM)

	rotateCh := make(chan os.Signal, 1)
	signal.Notify(rotateCh, syscall.SIGHUP)

	svr, err := server.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to spawn server instance: %v", err)
	}
	defer svr.Shutdown()

	go func() {
		<-haltCh
		svr.Shutdown()
	}()

	go func() {
		for range rotateCh {
			svr.RotateLog()
		}
	}()

	svr.Wait()
	return nil
}
