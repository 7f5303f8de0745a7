// Command bitpull is a single-file BitTorrent fetch client: given a
// metainfo file and an output path, it announces to the tracker, opens
// peer connections, and downloads the file piece by piece.
package main

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kestrel-dev/bitpull/metainfo"
	"github.com/kestrel-dev/bitpull/scheduler"
)

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(os.Getenv("BITPULL_LOG"))
	// An unset variable parses as NoLevel without an error, which would
	// silence every event; treat it like an unparsable value.
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().Timestamp().Logger()
}

func newDownloadCmd() *cobra.Command {
	var port int
	var maxPeers int

	cmd := &cobra.Command{
		Use:   "download <metainfo-file> <output-path>",
		Short: "Download a single-file torrent",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := newLogger()

			m, err := metainfo.Load(args[0])
			if err != nil {
				log.Error().Err(err).Msg("failed to load metainfo")
				log.Debug().Msgf("%+v", err)
				return err
			}

			opts := scheduler.Options{
				Port:     port,
				MaxPeers: maxPeers,
				Log:      log,
			}

			if err := scheduler.Download(cmd.Context(), m, args[1], opts); err != nil {
				log.Error().Err(err).Msg("download failed")
				log.Debug().Msgf("%+v", err)
				return err
			}

			log.Info().Str("output", args[1]).Msg("download complete")
			return nil
		},
	}

	cmd.Flags().IntVar(&port, "port", 6881, "local port advertised to the tracker")
	cmd.Flags().IntVar(&maxPeers, "max-peers", 10, "maximum concurrent peer connections")
	return cmd
}

func main() {
	root := &cobra.Command{
		Use:           "bitpull",
		Short:         "A single-file BitTorrent fetch client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newDownloadCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
