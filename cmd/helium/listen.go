package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	wire "github.com/gwillem/wire-go"
)

type listenCommand struct {
	Logout bool `long:"logout" description:"Log out when stopped"`
}

func (cmd *listenCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireLogin(cfg); err != nil {
		return err
	}
	log := cfg.Logger("helium")
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	c := newClient(cfg, log,
		wire.WithLogoutOnStop(cmd.Logout),
		wire.WithHandler(printer{}),
		wire.WithStateCallback(func(s wire.State) { log.Infow("state", "state", s) }),
	)
	if err := c.Start(ctx, cfg.Email, cfg.Password); err != nil {
		c.Close()
		return err
	}
	fmt.Printf("Listening as %s@%s device %s (Ctrl+C to stop)\n", c.UserID(), c.Domain(), c.DeviceID())

	<-ctx.Done()
	c.Stop()
	if err := c.Wait(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// printer writes one line per event to stdout.
type printer struct{}

func (printer) OnMembership(ctx context.Context, ev *wire.MembershipEvent) error {
	fmt.Printf("%s %s users=%v\n", ev.Notification, ev.Type, ev.Users)
	return nil
}

func (printer) OnConnection(ctx context.Context, ev *wire.ConnectionEvent) error {
	fmt.Printf("%s connection %s from=%s status=%s\n", ev.Notification, ev.Conversation, ev.From, ev.Status)
	return nil
}

func (printer) OnConversation(ctx context.Context, ev *wire.ConversationEvent) error {
	if ev.Plaintext != nil {
		fmt.Printf("%s %s %s: %d bytes\n", ev.Notification, ev.Type, ev.Conversation, len(ev.Plaintext))
		return nil
	}
	fmt.Printf("%s %s %s\n", ev.Notification, ev.Type, ev.Conversation)
	return nil
}
