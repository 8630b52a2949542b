// Package cliutil adapts urfave/cli action funcs to return process exit
// codes the way the teacher's cmd/cloudflared/cliutil package does.
package cliutil

import (
	"github.com/urfave/cli/v2"
)

// Action wraps actionFunc so that any error it returns becomes a
// cli.ExitCoder with exit code 1, matching the spec's "exit non-zero with
// the propagated error" behavior.
func Action(actionFunc cli.ActionFunc) cli.ActionFunc {
	return func(c *cli.Context) error {
		if err := actionFunc(c); err != nil {
			return cli.Exit(err, 1)
		}
		return nil
	}
}
