package main

import "postflow/cmd/cli"

func main() {
	cli.Execute()
}
