// meshsim.go - Mesh routing simulation.
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
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/katzenpost/fieldrelay/config"
	"github.com/katzenpost/fieldrelay/core/log"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/mesh"
	"github.com/katzenpost/fieldrelay/transport"
)

func newMeshSimCommand() *cobra.Command {
	var (
		configFile string
		from, to   string
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "meshsim",
		Short: "Simulate mesh routing over the configured fleet",
		Long: `Build an in-memory mesh from the node and the [[Agents]] of a configuration
file, print every agent's neighbors and routes, and optionally deliver a
test message between two agents.`,
		Example: `  fieldrelay meshsim -f fieldrelay.toml
  fieldrelay meshsim -f fieldrelay.toml --from edge-1 --to uav-3`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadFile(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config file '%v': %v", configFile, err)
			}
			return runMeshSim(cmd.OutOrStdout(), cfg, from, to, timeout)
		},
	}
	cmd.Flags().StringVarP(&configFile, "config", "f", "fieldrelay.toml",
		"path to the node configuration file (TOML format)")
	cmd.Flags().StringVar(&from, "from", "", "source agent of the test message")
	cmd.Flags().StringVar(&to, "to", "", "destination agent of the test message")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "time to wait for delivery")
	return cmd
}

func fleetOf(cfg *config.Config) []mesh.Agent {
	agents := []mesh.Agent{{
		ID: cfg.Node.Identifier,
		Position: mesh.Position{
			Latitude:  cfg.Mesh.Latitude,
			Longitude: cfg.Mesh.Longitude,
			Altitude:  cfg.Mesh.Altitude,
		},
	}}
	for _, a := range cfg.Agents {
		agents = append(agents, mesh.Agent{
			ID: a.Identifier,
			Position: mesh.Position{
				Latitude:  a.Latitude,
				Longitude: a.Longitude,
				Altitude:  a.Altitude,
			},
		})
	}
	return agents
}

func runMeshSim(w io.Writer, cfg *config.Config, from, to string, timeout time.Duration) error {
	agents := fleetOf(cfg)
	logBackend := log.NewDiscard()
	net := transport.NewNetwork()
	delivered := make(chan *envelope.Envelope, 1)

	routers := make(map[string]*mesh.Router, len(agents))
	defer func() {
		for _, r := range routers {
			r.Shutdown()
		}
	}()
	for _, a := range agents {
		opts := &mesh.Options{
			Self:        a.ID,
			RadioRange:  cfg.Mesh.RadioRange,
			MaxBuffered: cfg.Mesh.MaxBuffered,
			Latency: mesh.LatencyModel{
				Base:  cfg.Mesh.BaseHopLatencyDuration(),
				Scale: cfg.Mesh.HopLatencyScaleDuration(),
			},
		}
		if a.ID == to {
			opts.Deliver = func(e *envelope.Envelope) {
				if _, ok := e.IsAck(); !ok {
					delivered <- e
				}
			}
		}
		r, err := mesh.New(opts, net.Endpoint(a.ID), nil, logBackend.GetLogger("mesh"))
		if err != nil {
			return err
		}
		r.SetPosition(a.Position)
		r.Update(agents)
		routers[a.ID] = r
	}

	for _, a := range agents {
		r := routers[a.ID]
		neighbors := r.Neighbors()
		fmt.Fprintf(w, "%s\n", a.ID)
		for _, id := range mesh.SortedIDs(neighbors) {
			fmt.Fprintf(w, "  neighbor %-16s quality %.2f\n", id, neighbors[id])
		}
		routes := r.Routes()
		for _, id := range mesh.SortedIDs(routes) {
			fmt.Fprintf(w, "  route    %-16s via %s\n", id, routes[id])
		}
	}

	if from == "" && to == "" {
		return nil
	}
	if from == to {
		return errors.New("--from and --to must differ")
	}
	src, ok := routers[from]
	if !ok {
		return fmt.Errorf("unknown source agent '%v'", from)
	}
	if _, ok = routers[to]; !ok {
		return fmt.Errorf("unknown destination agent '%v'", to)
	}

	path, err := tracePath(routers, from, to)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "\npath: %s\n", strings.Join(path, " -> "))

	for _, r := range routers {
		r.Start()
	}
	e, err := envelope.New(envelope.Status, map[string]any{"meshsim": true}, from, to, envelope.High)
	if err != nil {
		return err
	}
	if err = src.Send(e); err != nil {
		return err
	}
	start := time.Now()
	select {
	case <-delivered:
		fmt.Fprintf(w, "delivered %s in %v\n", e.ID, time.Since(start))
	case <-time.After(timeout):
		return fmt.Errorf("message %v was not delivered within %v", e.ID, timeout)
	}
	return nil
}

func tracePath(routers map[string]*mesh.Router, from, to string) ([]string, error) {
	path := []string{from}
	for cur := from; cur != to; {
		hop, ok := routers[cur].NextHop(to)
		if !ok {
			return nil, fmt.Errorf("no route from %v to %v", cur, to)
		}
		path = append(path, hop)
		if len(path) > len(routers) {
			return nil, errors.New("routing loop: " + strings.Join(path, " -> "))
		}
		cur = hop
	}
	return path, nil
}
