package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/fattiesbombom/breathr/internal/config"
	"github.com/fattiesbombom/breathr/internal/dispatch"
	"github.com/fattiesbombom/breathr/internal/telegram"
	logx "github.com/fattiesbombom/breathr/pkg/logx"
)

const DefaultAdhocMessage = "Test message"

// Send performs one delivery for the operator and reports the outcome on
// out. An empty username picks the first known user. Resolution failures
// are returned with the known usernames attached.
func (a *App) Send(ctx context.Context, username, message string, out io.Writer) error {
	dcfg, err := mapDispatchConfig(a.cfg)
	if err != nil {
		return err
	}
	// One-shot: a breaker has nothing to protect.
	dcfg.Breaker.Enabled = false
	svc := dispatch.New(dcfg, a.store, a.tg, a.log.Component("send"))

	name, addr, err := svc.Resolve(ctx, username)
	if err != nil {
		return a.resolveError(ctx, svc, err)
	}
	if username == "" {
		fmt.Fprintf(out, "No username specified, using first user: %s (chat_id: %s)\n", name, addr)
	}
	if message == "" {
		message = DefaultAdhocMessage
	}

	if _, err := svc.SendTo(ctx, addr, message); err != nil {
		fmt.Fprintf(out, "Failed to send to %s (chat_id: %s): %v\n", name, addr, errors.Unwrap(err))
		return err
	}
	fmt.Fprintf(out, "Message sent successfully to %s (chat_id: %s)!\n", name, addr)
	return nil
}

func (a *App) resolveError(ctx context.Context, svc *dispatch.Service, err error) error {
	if errors.Is(err, dispatch.ErrEmptyDirectory) {
		return fmt.Errorf("%w: run the poller and send /start to the bot first", err)
	}
	if errors.Is(err, dispatch.ErrUserNotFound) {
		users, uerr := svc.Users(ctx)
		if uerr == nil {
			return fmt.Errorf("%w; available users: [%s]", err, strings.Join(users, ", "))
		}
	}
	return err
}

// Check probes the Bot API: identity via getMe, then the pending update
// queue. Nothing is acknowledged, so the poller still sees every update.
func (a *App) Check(ctx context.Context, out io.Writer) error {
	fmt.Fprintf(out, "Testing Telegram Bot API connection...\nToken: %s\n\n", config.MaskToken(a.cfg.Telegram.Token))

	var failed error

	fmt.Fprintln(out, "1. getMe")
	me, err := a.tg.Me(ctx)
	if err != nil {
		fmt.Fprintf(out, "   failed: %v\n", err)
		failed = errors.Join(failed, err)
	} else {
		fmt.Fprintf(out, "   bot is connected\n   name: %s\n   username: @%s\n   id: %d\n", me.FirstName, me.Username, me.ID)
	}

	fmt.Fprintln(out, "\n2. getUpdates")
	ups, err := a.tg.GetUpdates(ctx, telegram.UpdatesRequest{})
	if err != nil {
		fmt.Fprintf(out, "   failed: %v\n", err)
		failed = errors.Join(failed, err)
	} else {
		fmt.Fprintf(out, "   API is responding\n   pending updates: %d\n", len(ups))
		if n := len(ups); n > 0 {
			fmt.Fprintf(out, "   latest update id: %d\n", ups[n-1].ID)
		}
	}

	if failed != nil {
		a.log.Warn("connectivity check failed", logx.Err(failed))
		return failed
	}
	fmt.Fprintln(out, "\nBoth checks passed.")
	return nil
}
