package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/vitaminmoo/blesock/internal/bridge"
	"github.com/vitaminmoo/blesock/internal/transport/sim"
)

type BridgeCmd struct {
	Role   string `short:"r" enum:"central,hub" default:"central" help:"Engine to expose: central (tinygo radio) or hub (simulated radio)"`
	Listen string `short:"l" help:"Listen address (default bridge.listen)"`
}

func (c *BridgeCmd) Run(globals *CLI) error {
	e, err := globals.setup()
	if err != nil {
		return err
	}
	if c.Listen == "" {
		c.Listen = e.cfg.Bridge.Listen
	}
	opts := []bridge.Option{
		bridge.WithLogger(e.log),
		bridge.WithWriteTimeout(e.cfg.Bridge.WriteTimeout),
	}

	var s *bridge.Server
	switch c.Role {
	case "central":
		t, closeRadio := e.openBLE()
		defer closeRadio()
		s = bridge.NewCentral(t, nil, opts...)
	case "hub":
		radio := sim.New(sim.WithMTU(e.cfg.Demo.MTU), sim.WithLogger(e.log))
		defer radio.Close()
		s = bridge.NewHub(radio.Peripheral(), nil, opts...)
	}
	defer s.Close()

	srv := &http.Server{
		Addr:              c.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, cancel := interrupted()
	defer cancel()

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	e.log.Info("bridge listening", "addr", c.Listen, "role", c.Role)
	fmt.Printf("Bridge (%s) on ws://%s/\n", c.Role, c.Listen)

	select {
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdown, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	return srv.Shutdown(shutdown)
}
