package main

import (
	"os"

	"grimm.is/nftsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
