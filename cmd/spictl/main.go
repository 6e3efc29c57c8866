// Package main is the spictl command itself.
package main

import (
	"log"
	"os"

	"go.viam.com/spibus/cli"
)

func main() {
	if err := cli.NewApp(os.Stdout).Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
