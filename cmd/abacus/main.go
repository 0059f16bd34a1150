package main

import "github.com/oshokin/abacus-daq/cmd/abacus/cmd"

func main() {
	cmd.Execute()
}
