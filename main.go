// Command peerchat runs the signaling relay or an interactive chat
// session.
package main

import (
	"fmt"
	"os"

	"github.com/peerchat/peerchat/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
