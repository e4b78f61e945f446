package main

import (
	"os"

	"github.com/zinc-sig/harness/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
