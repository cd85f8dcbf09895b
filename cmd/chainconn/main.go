package main

import "github.com/chainconn/rpc-connector/internal/cli"

func main() {
	cli.Execute()
}
