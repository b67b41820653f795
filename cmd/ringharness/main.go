// Command ringharness spins up a ring of chordnode containers on the
// local Docker daemon, prints each node's mapped ports, waits for
// interrupt, and tears the ring down. Useful for manually exercising
// join/stabilize/lookup behavior against real separate processes
// without hand-wiring docker run invocations.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docker/docker/client"
	"github.com/spf13/pflag"

	"chordring/internal/harness"
)

func main() {
	size := pflag.IntP("size", "n", 3, "number of ring nodes to start")
	image := pflag.StringP("image", "i", "chordring:latest", "chordnode image to run")
	network := pflag.StringP("network", "N", "", "existing Docker network to attach to (default: create a private one)")
	pull := pflag.Bool("pull", false, "pull the image before starting the ring")
	pflag.Parse()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connect to docker daemon: %v\n", err)
		os.Exit(1)
	}
	defer cli.Close()

	ring := harness.NewRing(cli, *image, *network)
	ctx := context.Background()

	if *pull {
		fmt.Printf("pulling %s...\n", *image)
		if err := ring.PullImage(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "error: pull image: %v\n", err)
			os.Exit(1)
		}
	}

	fmt.Printf("starting ring of %d nodes...\n", *size)
	nodes, err := ring.Start(ctx, *size)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: start ring: %v\n", err)
		os.Exit(1)
	}
	for i, n := range nodes {
		fmt.Printf("node %d: container=%s chord=:%d app=:%d http=:%d\n", i, n.ContainerID[:12], n.ChordPort, n.AppPort, n.HTTPPort)
	}
	fmt.Println("ring is up. Press Ctrl-C to tear it down.")

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	fmt.Println("tearing down ring...")
	if err := ring.Stop(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "error: stop ring: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("done")
}
