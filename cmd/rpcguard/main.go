package main

import "github.com/ppiankov/rpcguard/internal/cli"

func main() {
	cli.Execute()
}
