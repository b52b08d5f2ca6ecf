// Command bsync is the CLI surface: index, diff, patch, sync, serve, and
// pull subcommands over local paths, SSH addresses, and HTTP(S) URLs.
//
// Flag parsing is plain standard library flag.FlagSet per subcommand.
// Flag *validation* uses go-ozzo/ozzo-validation the way
// pwr/rediff/rediff.go does (validation.ValidateStruct +
// validation.Field(&x, validation.Required)).
package main

import (
	"fmt"
	"os"

	"github.com/blockdelta/bsync/internal/progress"
	"github.com/blockdelta/bsync/internal/werrors"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	consumer := progress.NewCLIConsumer()

	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: bsync <index|diff|patch|sync|serve|pull> [flags]")
		return 1
	}

	var err error
	switch args[0] {
	case "index":
		err = runIndex(args[1:], consumer)
	case "diff":
		err = runDiff(args[1:], consumer)
	case "patch":
		err = runPatch(args[1:], consumer)
	case "sync":
		err = runSync(args[1:], consumer)
	case "serve":
		err = runServe(args[1:], consumer)
	case "pull":
		err = runPull(args[1:], consumer)
	case "-h", "--help", "help":
		fmt.Fprintln(os.Stderr, "usage: bsync <index|diff|patch|sync|serve|pull> [flags]")
		return 0
	default:
		err = werrors.NewUsageError(fmt.Sprintf("unknown subcommand %q", args[0]))
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "bsync:", err)
	}
	return werrors.ExitCode(err)
}
