package main

import "github.com/csirtgadgets/verbose-robot/cmd/cif-router/cmd"

func main() {
	cmd.Execute()
}
