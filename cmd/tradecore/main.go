package main

import "tradecore/internal/cli"

func main() {
	cli.Execute()
}
