// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"hermannm.dev/devlog"
)

var logLevel slog.LevelVar

var rootCmd = &cobra.Command{
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
	Use:   "authenticator",
	Short: "FIDO2/CTAP2 authenticator core",
	Long: `A FIDO2/CTAP2 authenticator core: MakeCredential, GetAssertion,
ClientPin and GetInfo over a single-threaded dispatcher loop.

This binary wires the core to an in-process development transport; it
has no USB/NFC/BLE framing of its own (see the project's Non-goals).
`,
}

// Execute adds all child commands to the root command and runs it. It
// only needs to happen once, from main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	slog.SetDefault(slog.New(devlog.NewHandler(os.Stdout, &devlog.Options{
		Level: &logLevel,
	})))

	rootCmd.PersistentFlags().String("config", "", "Pathname of the configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Print debug logs")
}
