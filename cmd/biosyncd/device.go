package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"attendance-sync-backend/internal/store"
)

var deviceCmd = &cobra.Command{
	Use:   "device",
	Short: "Run one-off operations against registered devices",
}

var testAll bool

var deviceTestCmd = &cobra.Command{
	Use:   "test [device-id...]",
	Short: "Check that devices are reachable",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 && !testAll {
			return errors.New("pass device ids or --all")
		}
		return withApp(func(a *app) error {
			ctx := cmd.Context()
			ids := args
			if testAll {
				devices, err := a.store.ListDevices(ctx, store.DeviceFilter{})
				if err != nil {
					return err
				}
				ids = nil
				for _, d := range devices {
					if d.IsActive {
						ids = append(ids, d.ID)
					}
				}
			}
			return testDevices(ctx, a, ids)
		})
	},
}

// testDevices checks at most four devices at a time and prints one line each.
func testDevices(ctx context.Context, a *app, ids []string) error {
	var (
		mu     sync.Mutex
		failed int
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, id := range ids {
		g.Go(func() error {
			err := a.engine.TestConnectivity(ctx, id)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failed++
				fmt.Fprintf(os.Stdout, "%s\tunreachable\t%v\n", id, err)
				return nil
			}
			fmt.Fprintf(os.Stdout, "%s\tok\n", id)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d devices unreachable", failed, len(ids))
	}
	return nil
}

var deviceFetchCmd = &cobra.Command{
	Use:   "fetch <device-id>",
	Short: "Run one sync cycle and print its report",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			report, err := a.engine.RunCycle(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		})
	},
}

func init() {
	deviceTestCmd.Flags().BoolVar(&testAll, "all", false, "test every active device")
	deviceCmd.AddCommand(deviceTestCmd, deviceFetchCmd)
	rootCmd.AddCommand(deviceCmd)
}

// withApp wires the engine without starting workers.
func withApp(fn func(a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	defer a.engine.Shutdown(context.Background())
	return fn(a)
}
