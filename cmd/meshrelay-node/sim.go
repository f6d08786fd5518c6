package main

import (
	"flag"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"meshrelay/internal/clock"
	"meshrelay/internal/config"
	"meshrelay/internal/mesh"
	"meshrelay/internal/metrics"
	"meshrelay/internal/network"
	"meshrelay/internal/proto"
	"meshrelay/internal/router"
)

const (
	simStep     = 50 * time.Millisecond
	simDuration = 3 * time.Second
	maxSimNodes = 32
)

// runSim floods one direct message and one broadcast down a line of
// in-memory nodes on a manual clock, printing every delivery.
func runSim(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sim", flag.ContinueOnError)
	fs.SetOutput(stderr)
	nodes := fs.Int("nodes", 4, "nodes in the line")
	emergency := fs.Bool("emergency", false, "mark the broadcast as emergency")
	seed := fs.Int64("seed", 1, "jitter seed")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if *nodes < 2 || *nodes > maxSimNodes {
		fmt.Fprintf(stderr, "--nodes must be between 2 and %d\n", maxSimNodes)
		return 1
	}

	clk := clock.NewManual(time.Unix(0, 0).UTC())
	medium := network.NewMedium()
	ids := make([]proto.PeerID, *nodes)
	for i := range ids {
		ids[i] = proto.PeerID(fmt.Sprintf("n%d", i))
	}
	medium.Line(ids...)

	var mu sync.Mutex
	cores := make([]*mesh.Core, len(ids))
	for i, id := range ids {
		core, err := mesh.New(mesh.Options{
			Config: config.Default(),
			Link:   medium.Attach(id),
			Clock:  clk,
			Rand:   rand.New(rand.NewSource(*seed + int64(i))),
		})
		if err != nil {
			fmt.Fprintf(stderr, "sim node %s: %v\n", id, err)
			return 1
		}
		if err := core.Init(id); err != nil {
			fmt.Fprintf(stderr, "sim init %s: %v\n", id, err)
			return 1
		}
		defer core.Stop()
		self := id
		core.OnMessageDelivered(func(d router.Delivery) {
			mu.Lock()
			defer mu.Unlock()
			fmt.Fprintf(stdout, "%s delivered %s from=%s ttl=%d at=+%s payload=%q\n",
				self, d.Flags, d.Source, d.TTL, d.ReceivedAt.Sub(time.Unix(0, 0)), d.Payload)
		})
		cores[i] = core
	}
	for _, id := range ids {
		heard := medium.InRange(id)
		sort.Slice(heard, func(i, j int) bool { return heard[i] < heard[j] })
		fmt.Fprintf(stdout, "%s hears %v\n", id, heard)
		medium.Beacon(id, nil)
	}

	first, last := cores[0], ids[len(ids)-1]
	if _, err := first.SendDirect(last, []byte("hello from "+string(ids[0]))); err != nil {
		fmt.Fprintf(stderr, "sim direct send: %v\n", err)
		return 1
	}
	if _, err := first.SendBroadcast([]byte("broadcast from "+string(ids[0])), *emergency); err != nil {
		fmt.Fprintf(stderr, "sim broadcast: %v\n", err)
		return 1
	}
	for elapsed := time.Duration(0); elapsed < simDuration; elapsed += simStep {
		clk.Advance(simStep)
	}

	snap := first.Metrics().Snapshot()
	fmt.Fprintf(stdout, "origin %s: originated=%d redundant_tx=%d\n", ids[0], snap.Routing.Originated, snap.Routing.RedundantTx)
	for i, core := range cores {
		s := core.Metrics().Snapshot()
		fmt.Fprintf(stdout, "%s: delivered=%d forwarded=%d duplicates=%d ttl_exhausted=%d\n",
			ids[i], s.Routing.Delivered, s.Routing.Forwarded,
			s.DropByReason[metrics.DropDuplicate], s.DropByReason[metrics.DropTTLExhausted])
	}
	return 0
}
