package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/TheSmallBoat/skiff/client"
	"github.com/TheSmallBoat/skiff/observability"
	"github.com/TheSmallBoat/skiff/skifflib"
	"github.com/jpillora/backoff"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	bindAddr string
	linger   time.Duration
)

var dialCmd = &cobra.Command{
	Use:   "dial <addr>",
	Short: "Dial a peer and exchange line-delimited messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := observability.SetupLogger(cfg.Log)
		if err != nil {
			return fmt.Errorf("failed to set up logger: %w", err)
		}
		defer func() { _ = logger.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if bindAddr != "" {
			cfg.Client.Bind = bindAddr
		}

		out := cmd.OutOrStdout()
		var outMu sync.Mutex

		session := cfg.SessionConfig()
		session.Logger = logger
		session.Handler = skifflib.HandlerFunc(func(ctx *skifflib.Context) error {
			outMu.Lock()
			defer outMu.Unlock()
			_, err := fmt.Fprintf(out, "%s\n", ctx.Body())
			return err
		})
		session.ConnState = skifflib.ConnStateHandlerFunc(func(conn *skifflib.Conn, state skifflib.ConnState) {
			logger.Info("session state changed",
				zap.String("peer", conn.Identity()),
				zap.String("id", conn.ID()),
				zap.Stringer("state", state),
				zap.NamedError("reason", conn.Err()),
			)
		})

		c := &client.Client{
			Addr:           args[0],
			Config:         session,
			Engine:         cfg.EngineOptions(),
			RedialAttempts: cfg.Client.RedialAttempts,
			Backoff: backoff.Backoff{
				Min:    cfg.Client.BackoffMin,
				Max:    cfg.Client.BackoffMax,
				Factor: cfg.Client.BackoffFactor,
				Jitter: cfg.Client.BackoffJitter,
			},
		}
		if cfg.Client.Bind != "" {
			c.Bind = client.BindUDP(cfg.Client.Bind)
		}
		defer c.Shutdown()

		if err := c.Dial(ctx); err != nil {
			return err
		}

		scanned := make(chan error, 1)
		go func() { scanned <- writeLines(cmd.InOrStdin(), c) }()

		select {
		case <-ctx.Done():
			return nil
		case err := <-scanned:
			if err != nil {
				return err
			}
		}

		// give replies and retransmissions a chance before hanging up
		t := time.NewTimer(linger)
		defer t.Stop()

		select {
		case <-ctx.Done():
		case <-t.C:
		}
		return nil
	},
}

func writeLines(r io.Reader, c *client.Client) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := c.Write(scanner.Bytes()); err != nil {
			return fmt.Errorf("failed to write message: %w", err)
		}
	}
	return scanner.Err()
}

func init() {
	dialCmd.Flags().StringVar(&bindAddr, "bind", "", "local UDP address to bind (default is any port)")
	dialCmd.Flags().DurationVar(&linger, "linger", time.Second, "how long to keep the session open after stdin closes")
	rootCmd.AddCommand(dialCmd)
}
