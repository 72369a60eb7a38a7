// Package main is the entry point for modmgmtctl.
package main

import "github.com/limiquantix/modmgmt/internal/cli"

var version = "dev"

func main() {
	cli.Execute(version)
}
