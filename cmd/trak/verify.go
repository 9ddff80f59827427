package main

import (
	"context"
	"flag"
	"fmt"
	"strings"

	"github.com/kkeeland/trak-sub001/internal/verify"
)

func runVerifyCommand(ctx context.Context, a *app, args []string) int {
	fs := flag.NewFlagSet("verify", flag.ContinueOnError)
	pass := fs.Bool("pass", false, "record a manual pass")
	failFlag := fs.Bool("fail", false, "record a manual fail (reverts task to open)")
	cmd := fs.String("cmd", "", "run a command; non-zero exit fails verification")
	checklist := fs.String("checklist", "", "comma-separated checklist items to journal")
	diff := fs.Bool("diff", false, "show the working-tree diff (read-only)")
	by := fs.String("by", "", "who is verifying")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		return fail(fmt.Errorf("verify: task id required"))
	}
	id := fs.Arg(0)

	var method verify.Method
	switch {
	case *cmd != "":
		method = verify.Command{Cmd: *cmd, Dir: a.repoRoot, By: *by}
	case *checklist != "":
		var items []string
		for _, item := range strings.Split(*checklist, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		method = verify.Checklist{Items: items, By: *by}
	case *diff:
		method = verify.Diff{Dir: a.repoRoot}
	case *pass || *failFlag:
		if *pass && *failFlag {
			return fail(fmt.Errorf("verify: -pass and -fail are mutually exclusive"))
		}
		method = verify.Manual{Passed: *pass, By: *by}
	default:
		return fail(fmt.Errorf("verify: one of -pass, -fail, -cmd, -checklist, -diff required"))
	}

	v := verify.New(a.store, a.logger, a.cfg.VerifyTimeout())
	out, err := v.Verify(ctx, id, method)
	if err != nil {
		return fail(err)
	}

	if out.Output != "" {
		fmt.Println(out.Output)
	}
	if out.Status != "" {
		fmt.Printf("%s  verification %s", id, out.Status)
		if out.Reverted {
			fmt.Print("  (task reopened)")
		}
		fmt.Println()
	}
	if err := a.exportLog(ctx); err != nil {
		return fail(err)
	}
	return 0
}
