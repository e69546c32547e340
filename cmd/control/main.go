// control schedules the tasks of a feature plan and runs each one in its own
// git worktree.
package main

import (
	"os"

	"github.com/kingrea/control/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
