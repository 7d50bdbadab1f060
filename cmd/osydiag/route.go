package main

import (
	"slices"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/LoveWonYoung/osycomm/routing"
	"github.com/LoveWonYoung/osycomm/tp"
)

// nodeIndex resolves a node given by index or by name.
func (c *fileConfig) nodeIndex(arg string) (int, error) {
	if i, err := strconv.Atoi(arg); err == nil {
		if i < 0 || i >= len(c.Topology.Nodes) {
			return 0, errors.Wrapf(tp.ErrOutOfRange, "node %d", i)
		}
		return i, nil
	}
	for i, n := range c.Topology.Nodes {
		if strings.EqualFold(n.Name, arg) {
			return i, nil
		}
	}
	return 0, errors.Wrapf(tp.ErrOutOfRange, "no node named %q", arg)
}

func (c *fileConfig) allActive() []bool {
	active := make([]bool, len(c.Topology.Nodes))
	for i := range active {
		active[i] = true
	}
	return active
}

func newRoute(a *app) *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "route <node>",
		Short: "Print the routes from the client's bus to a node of the system definition",
		Args:  cobra.ExactArgs(1),
		Example: `  osydiag route --config system.yaml Gateway
  osydiag route --config system.yaml 3 --mode update`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := a.cfg.nodeIndex(args[0])
			if err != nil {
				return err
			}
			m := a.cfg.Mode
			if mode != "" {
				if err := m.UnmarshalText([]byte(mode)); err != nil {
					return err
				}
			}
			cmd.SilenceUsage = true

			calc := routing.Calculate(&a.cfg.Topology, a.cfg.allActive(), a.cfg.Client.Bus, target, m)
			printRoutes(cmd, &a.cfg.Topology, calc)
			if calc.Status() != routing.StatusFound {
				return errors.Errorf("%s: %s", a.cfg.Topology.Nodes[target].Name, calc.Status())
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "Routing mode (update|diagnostic|check), overrides the config")
	return cmd
}

func printRoutes(cmd *cobra.Command, topo *routing.Topology, calc *routing.Calculation) {
	w := cmd.OutOrStdout()
	infoColor.Fprintf(w, "Status: %s\n", calc.Status())
	best, ok := calc.BestRoute()
	if !ok {
		return
	}
	table := newTable(w, "#", "Hops", "Route", "")
	for i, r := range calc.Routes() {
		mark := ""
		if routeEqual(r, best) {
			mark = okColor.Sprint("best")
		}
		table.Append([]string{strconv.Itoa(i), strconv.Itoa(r.Hops()), describeRoute(topo, r), mark})
	}
	table.Render()
}

func routeEqual(a, b routing.Route) bool {
	return a.Target == b.Target && slices.Equal(a.Points, b.Points)
}

// describeRoute renders a route as "CAN1 > Gateway > ETH1 > Target".
func describeRoute(topo *routing.Topology, r routing.Route) string {
	if r.IsDirect() {
		return "direct"
	}
	var parts []string
	for _, p := range r.Points {
		parts = append(parts, topo.Buses[p.InBus].Name, topo.Nodes[p.Node].Name)
	}
	last := r.Points[len(r.Points)-1]
	if last.OutBus != routing.NoBus {
		parts = append(parts, topo.Buses[last.OutBus].Name)
	}
	parts = append(parts, topo.Nodes[r.Target].Name)
	return strings.Join(parts, " > ")
}
