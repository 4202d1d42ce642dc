// Command levind is a minimal demonstration node: it wires a TCP listener
// through the Levin engine to a no-op command dispatcher, exercising the
// full accept -> parse -> invoke/notify -> respond path end to end without
// pulling in any application-specific command table.
package main

import (
	"fmt"
	"os"

	"github.com/levinproto/levin/cmd/levind/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
