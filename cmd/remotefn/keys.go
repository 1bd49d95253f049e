package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/pkg/remotefn"
)

const keyRequestTimeout = 2 * time.Minute

func keysCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage scoped API keys of a function",
	}
	cmd.AddCommand(keysCreateCmd(a), keysDeleteCmd(a))
	return cmd
}

func keysCreateCmd(a *app) *cobra.Command {
	var maxMemory, maxTime, maxParallel int

	cmd := &cobra.Command{
		Use:   "create <author/function> <name>",
		Short: "Create a scoped API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var limits model.KeyLimits
			if cmd.Flags().Changed("max-memory") {
				limits.MaxMemory = &maxMemory
			}
			if cmd.Flags().Changed("max-time") {
				limits.MaxTime = &maxTime
			}
			if cmd.Flags().Changed("max-parallel-jobs") {
				limits.MaxParallelJobs = &maxParallel
			}

			ev, err := a.keyRequest(cmd.Context(), args[0], remotefn.OpNewKey, func(fn *remotefn.Function) {
				fn.GenAPIKey(args[1], limits)
			})
			if err != nil {
				return err
			}
			if ev.Key == nil {
				return errors.New("service returned no key")
			}
			return a.printer(cmd.OutOrStdout()).apiKey(ev.Key)
		},
	}

	cmd.Flags().IntVar(&maxMemory, "max-memory", 0, "memory cap in MB")
	cmd.Flags().IntVar(&maxTime, "max-time", 0, "run time cap in seconds")
	cmd.Flags().IntVar(&maxParallel, "max-parallel-jobs", 0, "maximum concurrent executions")
	return cmd
}

func keysDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <author/function> <name>",
		Short: "Delete a scoped API key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.keyRequest(cmd.Context(), args[0], remotefn.OpDeleteKey, func(fn *remotefn.Function) {
				fn.DeleteAPIKey(args[1])
			}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Key deleted: %s\n", args[1])
			return nil
		},
	}
}

// keyRequest issues one key management call and waits for its outcome.
func (a *app) keyRequest(ctx context.Context, uid string, op remotefn.Operation, send func(*remotefn.Function)) (remotefn.Event, error) {
	if a.cfg.MasterKey == "" {
		return remotefn.Event{}, errors.New("a master key is required (--master-key or REMOTEFN_MASTER_KEY)")
	}
	apiKey := a.cfg.APIKey
	if apiKey == "" {
		apiKey = a.cfg.MasterKey
	}

	client := a.newClient(nil)
	defer client.Close()

	done := make(chan remotefn.Event, 1)
	want := op.SuccessEvent()
	fn := client.InitFunction(uid, apiKey, a.cfg.MasterKey)
	fn.AddListener(remotefn.EventAny, func(ev remotefn.Event) {
		if ev.Operation != op || (ev.Type != want && ev.Type != remotefn.EventError) {
			return
		}
		select {
		case done <- ev:
		default:
		}
	})
	send(fn)

	ctx, cancel := context.WithTimeout(ctx, keyRequestTimeout)
	defer cancel()
	select {
	case ev := <-done:
		if ev.Type == remotefn.EventError {
			return ev, ev.Err
		}
		return ev, nil
	case <-ctx.Done():
		return remotefn.Event{}, fmt.Errorf("%s: %w", op, ctx.Err())
	}
}
