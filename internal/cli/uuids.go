package cli

import (
	"fmt"

	"github.com/vitaminmoo/blesock/internal/protocol"
)

type UuidsCmd struct {
	Protocol string `arg:"" help:"Protocol name shared by host and guests"`
}

func (c *UuidsCmd) Run(globals *CLI) error {
	id, _, err := protocol.DeriveIdentity(c.Protocol)
	if err != nil {
		return err
	}
	service, upload, download := id.Strings()
	fmt.Printf("Protocol: %s\n", c.Protocol)
	fmt.Printf("  Service:  %s\n", service)
	fmt.Printf("  Upload:   %s\n", upload)
	fmt.Printf("  Download: %s\n", download)
	return nil
}
