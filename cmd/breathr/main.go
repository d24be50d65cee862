// breathr relays notifications to Telegram users by username.
//
// Users register by messaging the bot; the poller records their chat ids
// in the directory. The HTTP endpoint and the send subcommand look names
// up there and deliver text through the Bot API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/fattiesbombom/breathr/internal/app"
	"github.com/fattiesbombom/breathr/internal/config"
)

const usage = `usage: breathr [--config FILE] [--env-file FILE] <command> [flags]

commands:
  poll     learn users from incoming messages
  serve    run the HTTP dispatch endpoint
  run      poll and serve in one process
  send     send one message (--user, --message or positional USER MESSAGE)
  check    probe the Bot API connection
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	var (
		cfgPath string
		envFile string
	)
	flags := pflag.NewFlagSet("breathr", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	flags.StringVar(&cfgPath, "config", "", "config file (.json, .jsonc, .yaml)")
	flags.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	flags.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flags.PrintDefaults()
	}
	if err := flags.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	rest := flags.Args()
	if len(rest) == 0 {
		flags.Usage()
		return errors.New("missing command")
	}
	cmd, cmdArgs := rest[0], rest[1:]

	var (
		roles   app.Roles
		user    string
		message string
	)
	switch cmd {
	case "poll":
		roles = app.Roles{Poll: true}
	case "serve":
		roles = app.Roles{Serve: true}
	case "run":
		roles = app.Roles{Poll: true, Serve: true}
	case "send":
		sf := pflag.NewFlagSet("breathr send", pflag.ContinueOnError)
		sf.StringVarP(&user, "user", "u", "", "recipient username (default: first known user)")
		sf.StringVarP(&message, "message", "m", "", "message text (default: \""+app.DefaultAdhocMessage+"\")")
		if err := sf.Parse(cmdArgs); err != nil {
			if errors.Is(err, pflag.ErrHelp) {
				return nil
			}
			return err
		}
		pos := sf.Args()
		if user == "" && len(pos) > 0 {
			user, pos = pos[0], pos[1:]
		}
		if message == "" && len(pos) > 0 {
			message = strings.Join(pos, " ")
		}
	case "check":
	case "help":
		flags.Usage()
		return nil
	default:
		flags.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}
	cfgm := config.NewManager(cfgPath)
	if _, err := cfgm.Load(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	a, err := app.New(cfgm)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	switch cmd {
	case "send":
		return a.Send(ctx, user, message, stdout)
	case "check":
		return a.Check(ctx, stdout)
	default:
		return a.Run(ctx, roles)
	}
}
