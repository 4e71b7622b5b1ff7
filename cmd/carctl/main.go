// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/antimetal/carwatchdogd/internal/watchdog/admin"
)

var adminSocket string

func main() {
	root := &cobra.Command{
		Use:   "carctl",
		Short: "Admin client for carwatchdogd",
	}
	root.PersistentFlags().StringVar(&adminSocket, "admin-socket", "/run/carwatchdogd/admin.sock", "unix socket the daemon's admin surface listens on")

	root.AddCommand(
		newDumpCommand(),
		newStartIOCommand(),
		newEndIOCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newDumpCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "dump",
		Short: "Print the current supervisor and collection state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call(nil)
		},
	}
}

func newStartIOCommand() *cobra.Command {
	var interval, maxDuration string
	var filterPackages []string
	cmd := &cobra.Command{
		Use:   "start-io",
		Short: "Start a custom collection window",
		RunE: func(cmd *cobra.Command, args []string) error {
			callArgs := []string{"--start_io"}
			if interval != "" {
				callArgs = append(callArgs, "--interval", interval)
			}
			if maxDuration != "" {
				callArgs = append(callArgs, "--max_duration", maxDuration)
			}
			if len(filterPackages) > 0 {
				callArgs = append(callArgs, "--filter_packages", strings.Join(filterPackages, ","))
			}
			return call(callArgs)
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "", "collection interval in seconds")
	cmd.Flags().StringVar(&maxDuration, "max_duration", "", "window duration in seconds")
	cmd.Flags().StringArrayVar(&filterPackages, "filter_packages", nil, "package name to restrict collection to (repeatable)")
	return cmd
}

func newEndIOCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "end-io",
		Short: "End the active custom collection window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return call([]string{"--end_io"})
		},
	}
}

func call(args []string) error {
	resp, err := admin.DialAndDispatch("unix", adminSocket, admin.Request{
		UID:  int32(os.Geteuid()),
		Args: args,
	})
	if err != nil {
		return fmt.Errorf("dialing %s: %w", adminSocket, err)
	}
	fmt.Print(resp.Output)
	if resp.Err != "" {
		return fmt.Errorf("%s", resp.Err)
	}
	return nil
}
