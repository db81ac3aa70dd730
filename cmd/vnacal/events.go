package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rflab/vnacal/pkg/events"
)

func NewEventsCommand() *cobra.Command {
	var scpi bool

	cmd := &cobra.Command{
		Use:     "events",
		Short:   "Follow daemon events",
		Long:    "Follow daemon events: phase changes, progress, results and, with --scpi, every instrument exchange.",
		GroupID: gBasic,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			for ev := range apiClient.SubscribeEvents(ctx) {
				if ev.Name == events.InstrumentExchange && !scpi {
					continue
				}
				fmt.Printf("%s %s %s\n", time.Now().Format(time.TimeOnly), bold(ev.Name), string(ev.Data))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&scpi, "scpi", false, "include the SCPI exchange log")
	return cmd
}
