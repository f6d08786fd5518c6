package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"meshrelay/internal/clock"
	"meshrelay/internal/config"
	"meshrelay/internal/mesh"
	"meshrelay/internal/metrics"
	"meshrelay/internal/network"
	"meshrelay/internal/node"
	"meshrelay/internal/queue"
	"meshrelay/internal/router"
	"meshrelay/internal/store"
	"meshrelay/internal/webapi"
)

const (
	defaultBeaconInterval = 10 * time.Second
	snapshotInterval      = 5 * time.Second
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 || args[0] == "--help" || args[0] == "-h" {
		printUsage(stdout)
		return 0
	}
	switch args[0] {
	case "run":
		return runNode(args[1:], stdout, stderr)
	case "status":
		return runStatus(args[1:], stdout, stderr)
	case "queue":
		return runQueue(args[1:], stdout, stderr)
	case "sim":
		return runSim(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[0])
		printUsage(stderr)
		return 1
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: meshrelay-node <run|status|queue|sim> [args]")
	fmt.Fprintln(w, "  run    --addr <ip:port> [--link ip:port,...] [--id name] [--http 127.0.0.1:8080] [--devtls|--insecure] [--debug]")
	fmt.Fprintln(w, "  status [--home dir]")
	fmt.Fprintln(w, "  queue  [--home dir]")
	fmt.Fprintln(w, "  sim    [--nodes 4] [--emergency]")
}

func homeDir() string {
	if v := strings.TrimSpace(os.Getenv("MESH_HOME")); v != "" {
		return v
	}
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".meshrelay")
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func runNode(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "", "link listen addr (host:port)")
	links := fs.String("link", "", "comma separated link peer addrs in radio range")
	name := fs.String("id", "", "peer id (default: derived and persisted)")
	home := fs.String("home", homeDir(), "state directory")
	httpAddr := fs.String("http", "", "local HTTP API addr (disabled when empty)")
	beacon := fs.Duration("beacon", defaultBeaconInterval, "discovery beacon interval")
	devTLS := fs.Bool("devtls", false, "use the deterministic dev TLS certificate (unsafe)")
	insecure := fs.Bool("insecure", false, "skip TLS verification of link peers (unsafe)")
	caPath := fs.String("ca", "", "PEM file trusted for link peers")
	debug := fs.Bool("debug", false, "enable debug logging")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *addr == "" {
		fmt.Fprintln(stderr, "missing --addr")
		return 1
	}
	if *debug {
		_ = os.Setenv("MESH_DEBUG", "1")
	}
	if !*devTLS && !*insecure && *caPath == "" {
		fmt.Fprintln(stderr, "no link trust configured; pass --devtls, --ca or --insecure")
		return 1
	}
	if *devTLS || *insecure {
		fmt.Fprintln(stderr, "WARNING: using deterministic dev TLS certificates")
	}
	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	ident, err := node.LoadIdentity(*home, *name)
	if err != nil {
		fmt.Fprintf(stderr, "load identity failed: %v\n", err)
		return 1
	}
	paths := node.PathsFor(*home)
	if *devTLS {
		if err := network.WriteDevCA(paths.DevCA); err != nil {
			fmt.Fprintf(stderr, "write dev ca failed: %v\n", err)
			return 1
		}
	}

	link, err := network.NewQUICLink(network.QUICOptions{
		Addr:           *addr,
		Peers:          splitList(*links),
		Self:           ident.PeerID,
		Insecure:       *insecure,
		CAPath:         *caPath,
		BeaconInterval: *beacon,
	})
	if err != nil {
		fmt.Fprintf(stderr, "link setup failed: %v\n", err)
		return 1
	}
	defer link.Close()

	m := metrics.New()
	core, err := mesh.New(mesh.Options{
		Config:            cfg,
		Link:              link,
		Metrics:           m,
		PointToPointStore: store.NewJSONFile[queue.Message](paths.PointToPoint),
		BroadcastStore:    store.NewJSONFile[queue.Message](paths.Broadcast),
		Inbox:             store.NewInbox(paths.Inbox),
	})
	if err != nil {
		fmt.Fprintf(stderr, "mesh setup failed: %v\n", err)
		return 1
	}
	if err := core.Init(ident.PeerID); err != nil {
		fmt.Fprintf(stderr, "mesh init failed: %v\n", err)
		return 1
	}
	core.OnMessageDelivered(func(d router.Delivery) {
		fmt.Fprintf(stdout, "MSG id=%s from=%s flags=%s ttl=%d payload=%q\n", d.ID, d.Source, d.Flags, d.TTL, d.Payload)
	})
	core.OnDeliveryFailed(func(msg queue.Message, err error) {
		fmt.Fprintf(stderr, "delivery failed id=%s dst=%s: %v\n", msg.ID, msg.Destination, err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	listenErr := make(chan error, 1)
	ready := make(chan struct{})
	go func() { listenErr <- link.Listen(ctx, ready) }()
	select {
	case <-ready:
	case err := <-listenErr:
		fmt.Fprintf(stderr, "listen failed: %v\n", err)
		return 1
	}
	if err := core.Start(ctx); err != nil {
		fmt.Fprintf(stderr, "mesh start failed: %v\n", err)
		return 1
	}
	defer core.Stop()
	if err := link.StartBeacons(); err != nil {
		fmt.Fprintf(stderr, "beacons failed: %v\n", err)
		return 1
	}
	snapshots := clock.Every(clock.Real{}, "metrics-snapshot", snapshotInterval, func() {
		_ = m.WriteSnapshot(paths.MetricsSnap)
	})
	defer snapshots.Stop()

	if *httpAddr != "" {
		handler := webapi.NewRouter(core, webapi.Options{EnablePprof: os.Getenv("MESH_PPROF") == "1"})
		allowPublic := os.Getenv("MESH_HTTP_ALLOW_PUBLIC") == "1"
		go func() {
			if err := webapi.Serve(ctx, *httpAddr, handler, allowPublic, nil); err != nil {
				fmt.Fprintf(stderr, "http api failed: %v\n", err)
			}
		}()
	}

	banner(stdout, bannerInfo{
		PeerID: string(ident.PeerID),
		Addr:   link.Addr().String(),
		Links:  link.Peers(),
		HTTP:   *httpAddr,
		Home:   *home,
		Config: cfg,
	})
	fmt.Fprintf(stdout, "READY addr=%s peer_id=%s\n", link.Addr(), ident.PeerID)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-listenErr:
	}
	_ = m.WriteSnapshot(paths.MetricsSnap)
	if runErr != nil {
		fmt.Fprintf(stderr, "run failed: %v\n", runErr)
		return 1
	}
	return 0
}

func runStatus(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	paths := node.PathsFor(*home)
	ident, err := node.ReadIdentity(*home)
	if errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stdout, "status: no node initialized under %s\n", *home)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stdout, "status: identity unavailable: %v\n", err)
		return 1
	}
	snap, err := metrics.ReadSnapshot(paths.MetricsSnap)
	if err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(stdout, "status: bad metrics snapshot: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "peer id: %s\n", ident.PeerID)
	fmt.Fprintf(stdout, "  active neighbors: %d\n", snap.NeighborsActive)
	fmt.Fprintf(stdout, "  originated: %d (redundant tx %d)\n", snap.Routing.Originated, snap.Routing.RedundantTx)
	fmt.Fprintf(stdout, "  forwarded: %d\n", snap.Routing.Forwarded)
	fmt.Fprintf(stdout, "  delivered: %d\n", snap.Routing.Delivered)
	fmt.Fprintf(stdout, "  transport errors: %d\n", snap.Routing.TransportErrors)
	fmt.Fprintf(stdout, "  queue: enqueued=%d delivered=%d evicted=%d dropped=%d\n",
		snap.Queue.Enqueued, snap.Queue.Delivered, snap.Queue.Evicted, snap.Queue.Dropped)
	fmt.Fprintf(stdout, "  dropped: self_echo=%d duplicate=%d ttl_exhausted=%d malformed=%d\n",
		snap.DropByReason[metrics.DropSelfEcho], snap.DropByReason[metrics.DropDuplicate],
		snap.DropByReason[metrics.DropTTLExhausted], snap.DropByReason[metrics.DropMalformed])
	return 0
}

func runQueue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("queue", flag.ContinueOnError)
	fs.SetOutput(stderr)
	home := fs.String("home", homeDir(), "state directory")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	paths := node.PathsFor(*home)
	for _, q := range []struct {
		kind queue.Kind
		path string
	}{
		{queue.PointToPoint, paths.PointToPoint},
		{queue.Broadcast, paths.Broadcast},
	} {
		file := store.NewJSONFile[queue.Message](q.path)
		msgs, err := file.Load()
		if err != nil {
			fmt.Fprintf(stdout, "queue %s (%s): %v\n", q.kind, file.Path(), err)
			return 1
		}
		fmt.Fprintf(stdout, "%s: %d queued\n", q.kind, len(msgs))
		for _, msg := range msgs {
			fmt.Fprintf(stdout, "  %s dst=%s attempts=%d/%d emergency=%v next=%s\n",
				msg.ID, msg.Destination, msg.Attempts, msg.MaxAttempts, msg.Emergency,
				msg.NextAttemptAt.UTC().Format(time.RFC3339))
		}
	}
	return 0
}
