package main

import "vaultwatch/internal/cli"

func main() {
	cli.Execute()
}
