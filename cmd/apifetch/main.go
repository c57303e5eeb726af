// Command apifetch runs endpoints described in a YAML file and prints their
// items, for debugging connector configurations.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	cobra.CheckErr(newRootCmd(os.Stdout, os.Stderr).Execute())
}
