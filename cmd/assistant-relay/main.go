package main

import (
	"fmt"
	"os"

	"github.com/go-go-golems/assistant-relay/cmd/assistant-relay/cmds"
)

func main() {
	if err := cmds.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
