// Package main is dsmctl, the cluster setup tool.
//
// Usage:
//
//	dsmctl gen [-plan plan.yaml] [-nodes N] [-param-server ip:port] [-subnet cidr] [-out dir]
//	dsmctl run <int32|float|mutex|mat> <node_count> [rows cols]
//	dsmctl nodes [-param-server ip:port] [-manifest nodes.json]
//	dsmctl stop [-param-server ip:port]
//
// gen writes one node-<id>.json per node plus the nodes.json manifest.
// run validates a test setup and prints every node config and the manifest
// a launcher would hand to the nodes, along with the environment for the
// chosen mode. nodes lists the nodes registered with a running param server
// and, given a manifest, fails if any expected node is missing. stop asks
// the param server to shut down.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	"github.com/dreamware/dsm/internal/cluster"
	"github.com/dreamware/dsm/internal/config"
	"github.com/dreamware/dsm/internal/peer"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage:")
	fmt.Fprintln(w, "  dsmctl gen [-plan plan.yaml] [-nodes N] [-param-server ip:port] [-subnet cidr] [-out dir]")
	fmt.Fprintf(w, "  dsmctl run <%s> <node_count> [rows cols]\n", joinModes())
	fmt.Fprintln(w, "  dsmctl nodes [-param-server ip:port] [-manifest nodes.json]")
	fmt.Fprintln(w, "  dsmctl stop [-param-server ip:port]")
}

func joinModes() string {
	return strings.Join(peer.Modes, "|")
}

// run executes one dsmctl command and returns the process exit code.
func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	var err error
	switch args[0] {
	case "gen":
		err = gen(args[1:], stdout, stderr)
	case "run":
		err = runSetup(args[1:], stdout)
	case "nodes":
		err = nodes(args[1:], stdout, stderr)
	case "stop":
		err = stop(args[1:], stdout, stderr)
	case "-h", "--help", "help":
		usage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "dsmctl: unknown command %q\n", args[0])
		usage(stderr)
		return 2
	}
	if err != nil {
		fmt.Fprintf(stderr, "dsmctl %s: %v\n", args[0], err)
		return 1
	}
	return 0
}

func gen(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	fs.SetOutput(stderr)
	planPath := fs.String("plan", "", "YAML cluster plan")
	nodes := fs.Int("nodes", 0, "number of nodes (overrides the plan)")
	paramServer := fs.String("param-server", "", "param server ip:port (overrides the plan)")
	subnet := fs.String("subnet", "", "IPv4 prefix every address must fall in")
	out := fs.String("out", ".", "output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	plan := cluster.DefaultPlan(3)
	if *planPath != "" {
		p, err := cluster.LoadPlan(*planPath)
		if err != nil {
			return err
		}
		plan = p
	}
	if *nodes != 0 {
		plan.Nodes = *nodes
	}
	if *paramServer != "" {
		e, err := config.ParseEndpoint(*paramServer)
		if err != nil {
			return err
		}
		plan.ParamServer = e
		if *planPath == "" {
			// The default subnet only fits the default param server.
			plan.Subnet = ""
		}
	}
	if *subnet != "" {
		plan.Subnet = *subnet
	}

	book, err := cluster.BuildAddressBook(plan)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(*out, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	for _, cfg := range book.Configs() {
		path, err := cluster.WriteConfig(*out, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "node %d  %s:%d  %s\n", cfg.ID, cfg.Address, cfg.Port, path)
	}
	path, err := cluster.WriteManifest(*out, book.Manifest())
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "manifest  %s\n", path)
	return nil
}

// setup is what `dsmctl run` prints.
type setup struct {
	Env      map[string]string       `json:"env"`
	Manifest cluster.Manifest        `json:"manifest"`
	Mode     string                  `json:"mode"`
	Configs  []cluster.ClusterConfig `json:"configs"`
}

func runSetup(args []string, stdout io.Writer) error {
	if len(args) < 2 {
		return errors.New("need a test type and a node count")
	}
	mode := args[0]
	if !slices.Contains(peer.Modes, mode) {
		return errors.Wrapf(peer.ErrUnknownMode, "%q (want one of %s)", mode, joinModes())
	}
	n, err := strconv.Atoi(args[1])
	if err != nil {
		return errors.Wrapf(cluster.ErrInvalidTopology, "node count %q", args[1])
	}

	env := map[string]string{"DSM_MODE": mode}
	if mode == peer.ModeMatrix && len(args) >= 4 {
		rows, rerr := strconv.Atoi(args[2])
		cols, cerr := strconv.Atoi(args[3])
		if rerr != nil || cerr != nil || rows <= 0 || cols <= 0 {
			return errors.Errorf("matrix shape %q x %q", args[2], args[3])
		}
		env["DSM_ROWS"] = args[2]
		env["DSM_COLS"] = args[3]
	}

	book, err := cluster.BuildAddressBook(cluster.DefaultPlan(n))
	if err != nil {
		return err
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(setup{
		Mode:     mode,
		Env:      env,
		Configs:  book.Configs(),
		Manifest: book.Manifest(),
	})
}

// requestTimeout bounds each call to a running param server.
const requestTimeout = 5 * time.Second

func paramServerFlag(fs *flag.FlagSet) *string {
	def := cluster.DefaultPlan(0).ParamServer.HostPort()
	return fs.String("param-server", def, "param server ip:port")
}

func nodes(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("nodes", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := paramServerFlag(fs)
	manifestPath := fs.String("manifest", "", "expected membership to check against")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ep, err := config.ParseEndpoint(*addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	var live cluster.Manifest
	if err := cluster.GetJSON(ctx, ep.URL()+"/nodes", &live); err != nil {
		return errors.Wrap(err, "list nodes")
	}
	for _, n := range live.Nodes {
		fmt.Fprintf(stdout, "node %d  %s  registered\n", n.ID, n.HostPort())
	}
	if *manifestPath == "" {
		return nil
	}

	want, err := cluster.ReadManifest(*manifestPath)
	if err != nil {
		return err
	}
	missing := 0
	for _, n := range want.Nodes {
		if !slices.Contains(live.Nodes, n) {
			fmt.Fprintf(stdout, "node %d  %s  missing\n", n.ID, n.HostPort())
			missing++
		}
	}
	if missing > 0 {
		return errors.Errorf("%d of %d nodes not registered", missing, len(want.Nodes))
	}
	return nil
}

func stop(args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("stop", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := paramServerFlag(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	ep, err := config.ParseEndpoint(*addr)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	if err := cluster.PostJSON(ctx, ep.URL()+"/stop", nil, nil); err != nil {
		return errors.Wrap(err, "stop param server")
	}
	fmt.Fprintf(stdout, "stop requested at %s\n", ep.HostPort())
	return nil
}
