package main

import "github.com/graphmesh/go-quorum/pkg/cli"

func main() {
	cli.Execute()
}
