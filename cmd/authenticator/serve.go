// Copyright 2026 FIDO Device Onboard Project
// SPDX-License-Identifier: Apache 2.0

package main

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	fido2 "github.com/fido-device-onboard/fido2-authenticator"
	"github.com/fido-device-onboard/fido2-authenticator/gateway"
	"github.com/fido-device-onboard/fido2-authenticator/store"
)

var (
	dbPath       string
	aaguidHex    string
	maxMsgSize   uint32
	pollInterval time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authenticator core against an in-process development transport",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return serveCmdLoadConfig(cmd)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("db", "authenticator.db", "SQLite database file path")
	serveCmd.Flags().String("aaguid", "00000000000000000000000000000000", "32 hex characters identifying this authenticator model")
	serveCmd.Flags().Uint32("max-msg-size", 2048, "max_msg_size reported in authenticatorGetInfo")
	serveCmd.Flags().Duration("poll-interval", 50*time.Millisecond, "Delay between dispatcher poll attempts when idle")
}

func serveCmdLoadConfig(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	configFilePath, err := rootCmd.PersistentFlags().GetString("config")
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	if configFilePath != "" {
		slog.Debug("loading configuration file", "path", configFilePath)
		viper.SetConfigFile(configFilePath)
		if err := viper.ReadInConfig(); err != nil {
			return fmt.Errorf("configuration file read failed: %w", err)
		}
	}

	if debug, _ := rootCmd.PersistentFlags().GetBool("debug"); debug {
		logLevel.Set(slog.LevelDebug)
	}

	dbPath = viper.GetString("db")
	aaguidHex = viper.GetString("aaguid")
	maxMsgSize = viper.GetUint32("max-msg-size")
	pollInterval = viper.GetDuration("poll-interval")
	return nil
}

func serve() error {
	aaguidBytes, err := hex.DecodeString(aaguidHex)
	if err != nil || len(aaguidBytes) != 16 {
		return fmt.Errorf("aaguid must be 32 hex characters, got %q", aaguidHex)
	}
	var aaguid [16]byte
	copy(aaguid[:], aaguidBytes)

	st, err := store.Open(dbPath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	a, err := fido2.NewAuthenticator(gateway.NewInProcess(), st, aaguid, fido2.SilentAuthenticator{})
	if err != nil {
		return fmt.Errorf("constructing authenticator: %w", err)
	}
	dispatcher := fido2.NewDispatcher(a, maxMsgSize)
	transport := fido2.NewChannelTransport()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	slog.Info("authenticator core ready", "aaguid", aaguidHex, "db", dbPath)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			slog.Info("shutting down")
			return nil
		case <-ticker.C:
			dispatcher.Poll(transport)
		}
	}
}
