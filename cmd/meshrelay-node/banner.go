package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"

	"meshrelay/internal/config"
)

type bannerInfo struct {
	PeerID string
	Addr   string
	Links  []string
	HTTP   string
	Home   string
	Config config.Config
}

func banner(w io.Writer, info bannerInfo) {
	title := color.New(color.FgCyan, color.Bold).SprintFunc()
	label := color.New(color.FgHiBlack).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()

	fmt.Fprintln(w, title("meshrelay node"))
	fmt.Fprintf(w, "%s %s\n", label("Peer:"), info.PeerID)
	fmt.Fprintf(w, "%s %s\n", label("Listen:"), info.Addr)
	if len(info.Links) == 0 {
		fmt.Fprintf(w, "%s %s\n", label("Links:"), warn("none (messages will queue)"))
	} else {
		fmt.Fprintf(w, "%s %s\n", label("Links:"), strings.Join(info.Links, ", "))
	}
	c := info.Config
	fmt.Fprintf(w, "%s broadcast=%d emergency=%d unicast=%d/%d redundancy=%d\n",
		label("TTL:"), c.BaseTTLBroadcast-1, c.BaseTTLBroadcast, c.AdaptiveTTLLow, c.AdaptiveTTLHigh, c.RedundancyCount)
	fmt.Fprintf(w, "%s p2p=%d broadcast=%d attempts=%d tick=%s\n",
		label("Queue:"), c.PointToPointCap, c.BroadcastCap, c.MaxAttempts, c.QueueTick)
	if info.HTTP != "" {
		fmt.Fprintf(w, "%s http://%s\n", label("API:"), info.HTTP)
	}
	fmt.Fprintf(w, "%s %s\n", label("Home:"), info.Home)
}
