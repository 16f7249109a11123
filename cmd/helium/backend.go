package main

import (
	"context"
	"fmt"
)

type backendCommand struct{}

func (cmd *backendCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cfg.Logger("helium")
	defer func() { _ = log.Sync() }()

	bc, err := newClient(cfg, log).BackendConfiguration(context.Background())
	if err != nil {
		return err
	}
	fmt.Printf("API:         %s\n", cfg.BaseURL())
	fmt.Printf("Domain:      %s\n", bc.Domain)
	fmt.Printf("Federation:  %v\n", bc.Federation)
	fmt.Printf("Supported:   %v\n", bc.Supported)
	if len(bc.Development) > 0 {
		fmt.Printf("Development: %v\n", bc.Development)
	}
	return nil
}
