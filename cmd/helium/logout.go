package main

import (
	"context"
	"fmt"
)

type logoutCommand struct {
	All bool `long:"all" description:"Remove every cookie with this bot's label, logging out all its sessions"`
}

func (cmd *logoutCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := requireLogin(cfg); err != nil {
		return err
	}
	log := cfg.Logger("helium")
	defer func() { _ = log.Sync() }()

	ctx := context.Background()
	c := newClient(cfg, log)
	defer c.Close()
	if err := c.Login(ctx, cfg.Email, cfg.Password); err != nil {
		return err
	}
	if cmd.All {
		if err := c.RemoveCookies(ctx, cfg.Password); err != nil {
			return err
		}
		fmt.Println("Removed all session cookies.")
		return nil
	}
	if err := logout(ctx, c); err != nil {
		return err
	}
	fmt.Println("Logged out.")
	return nil
}
