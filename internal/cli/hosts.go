package cli

import (
	"fmt"

	"github.com/vitaminmoo/blesock/internal/store"
)

type HostsCmd struct {
	List   HostsListCmd   `cmd:"" help:"List remembered hosts, most recent first"`
	Forget HostsForgetCmd `cmd:"" help:"Forget a remembered host"`
}

type HostsListCmd struct {
	Protocol string `short:"p" help:"Only hosts of this protocol"`
}

func (c *HostsListCmd) Run(globals *CLI) error {
	if _, err := globals.setup(); err != nil {
		return err
	}

	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	hosts, err := s.List(c.Protocol)
	if err != nil {
		return fmt.Errorf("failed to list hosts: %w", err)
	}

	if len(hosts) == 0 {
		fmt.Println("No hosts remembered.")
		fmt.Println("Hosts are remembered when you join them with: blesock join <protocol>")
		return nil
	}

	fmt.Printf("Found %d host(s):\n\n", len(hosts))
	for _, h := range hosts {
		fmt.Printf("  %s  %-16s  %-20s  %-17s  %3d  %s\n",
			store.ShortHash(h.Hash),
			h.Protocol,
			h.Name,
			h.Address,
			h.Visits,
			h.LastSeen.Local().Format("2006-01-02 15:04"))
	}

	return nil
}

type HostsForgetCmd struct {
	Hash string `arg:"" help:"Host hash (full or prefix)"`
}

func (c *HostsForgetCmd) Run(globals *CLI) error {
	if _, err := globals.setup(); err != nil {
		return err
	}

	s, err := store.OpenDefault()
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	hash, err := s.Forget(c.Hash)
	if err != nil {
		return fmt.Errorf("failed to forget %s: %w", c.Hash, err)
	}

	fmt.Printf("Forgot host %s\n", store.ShortHash(hash))
	return nil
}
