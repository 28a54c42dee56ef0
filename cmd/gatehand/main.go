package main

import "github.com/jmcleod/gatehand/cmd/gatehand/cmd"

func main() {
	cmd.Execute()
}
