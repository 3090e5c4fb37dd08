// Command winvmi drives Windows guest introspection against a
// running KVM hypervisor: process/thread/module enumeration, memory
// scanning and patching, a REPL, and an HTTP DMA surface.
package main

import (
	"log"
	"os"

	"github.com/go-vmi/winvmi/internal/cli"
)

func main() {
	root := cli.NewRootCommand(os.Stdin, os.Stdout)

	if err := root.Execute(); err != nil {
		log.Fatal(err)
	}
}
