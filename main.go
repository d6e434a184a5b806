package main

import "github.com/kellnr/kellnr/cli"

func main() {
	cli.Execute()
}
