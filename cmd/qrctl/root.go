package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/logger"
)

var (
	rootCmd = &cobra.Command{
		Use:   "qrctl",
		Short: "Query and retrieve studies from a DICOM archive",
		Long: `qrctl talks DIMSE to a remote archive: it verifies the association
with C-ECHO, searches studies and series with C-FIND and fetches them with
C-MOVE into a local storage root.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.Init(viper.GetString("log.level"), viper.GetString("log.format"))
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("aet", "", "AE title of the remote archive")
	flags.String("host", "", "Host of the remote archive")
	flags.Int("port", 104, "Port of the remote archive")
	flags.String("local-aet", "RIS_QR", "Local AE title; also the C-MOVE destination")
	flags.Int("local-port", 11112, "Port the store receiver listens on during a retrieve")
	flags.Duration("timeout", 30*time.Second, "Connect, association and DIMSE timeout")
	flags.String("storage-root", "./data/incoming", "Directory retrieved series are written below")
	flags.String("log-level", "info", "Log level")
	flags.String("log-format", "console", "Log format (json or console)")

	for key, flag := range map[string]string{
		"remote.ae_title":    "aet",
		"remote.host":        "host",
		"remote.port":        "port",
		"local.ae_title":     "local-aet",
		"local.port":         "local-port",
		"timeout":            "timeout",
		"dicom.storage_root": "storage-root",
		"log.level":          "log-level",
		"log.format":         "log-format",
	} {
		if err := viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(echoCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(moveCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("Command failed")
		return err
	}
	return nil
}

// engineOptions builds the engine options from the bound flags.
func engineOptions() (engine.Options, error) {
	timeout := viper.GetDuration("timeout")
	opts := engine.Options{
		Remote: models.RemoteEndpoint{
			AETitle: viper.GetString("remote.ae_title"),
			Host:    viper.GetString("remote.host"),
			Port:    viper.GetInt("remote.port"),
		},
		Local: models.LocalIdentity{
			AETitle: viper.GetString("local.ae_title"),
			Port:    viper.GetInt("local.port"),
		},
		ConnectTimeout: timeout,
		ACSETimeout:    timeout,
		DIMSETimeout:   timeout,
	}
	if opts.Remote.AETitle == "" || opts.Remote.Host == "" {
		return opts, errors.New("--aet and --host must name the remote archive")
	}
	return opts, nil
}
