// gobfdctl is a read-only inspection client for the gobfd daemon.
package main

import "github.com/bfdproject/gobfd/cmd/gobfdctl/commands"

func main() {
	commands.Execute()
}
