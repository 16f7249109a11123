package main

import (
	"fmt"

	"github.com/gwillem/wire-go/internal/store"
)

type excludedCommand struct{}

func (cmd *excludedCommand) Execute(args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	var sopts []store.Option
	if cfg.SealSecret != "" {
		sopts = append(sopts, store.WithSealSecret([]byte(cfg.SealSecret)))
	}
	st, err := store.Open(cfg.DB, sopts...)
	if err != nil {
		return err
	}
	defer st.Close()

	devices, err := st.ExcludedDevices()
	if err != nil {
		return err
	}
	if len(devices) == 0 {
		fmt.Println("No excluded devices.")
		return nil
	}

	fmt.Printf("Excluded devices (%d):\n", len(devices))
	for _, d := range devices {
		retry := d.RetryAfter.Format("2006-01-02 15:04")
		if d.RetryAfter.Year() > 9999 {
			retry = "never"
		}
		fmt.Printf("  %s@%s/%s: failures=%d retryAfter=%s\n", d.UserID, d.Domain, d.DeviceID, d.Failures, retry)
	}
	return nil
}
