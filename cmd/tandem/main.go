package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/norasector/tandem/pkg/config"
	"github.com/norasector/tandem/pkg/console"
	"github.com/norasector/tandem/pkg/rig"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"
)

var _ console.Controller = (*rig.Rig)(nil)

var rootCmd = &cobra.Command{
	Use:   "tandem",
	Short: "Synchronized camera and DAQ capture",
	Long: `tandem acquires frames from cameras and samples from DAQ devices at the
same time, records them with per-unit timestamps and serves live previews.`,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "config file (default is ./tandem.yaml)")
	flags.String("log-level", "", "debug, info, warn or error")

	runFlags := rootCmd.Flags()
	runFlags.String("experiment-base", "", "directory that holds experiments")
	runFlags.String("experiment-name", "", "experiment directory name")
	runFlags.Int("port", 0, "preview server port")
	runFlags.Bool("headless", false, "run without the interactive console")
	runFlags.String("autostart", "", "start the rig at launch: preview or record")

	rootCmd.AddCommand(inspectCmd)
}

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.InfoLevel)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	v := viper.New()
	bindings := map[string]string{
		"log.level":           "log-level",
		"experiment.base":     "experiment-base",
		"experiment.name":     "experiment-name",
		"preview_server.port": "port",
	}
	for key, flag := range bindings {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}
	configFile, _ := cmd.Flags().GetString("config")
	return config.Load(v, configFile)
}

// setupLogging points the global logger at out, plus the configured log file.
// The returned closer releases the file.
func setupLogging(cfg config.LogConfig, out io.Writer) (io.Closer, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		l, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		level = l
	}

	writer := io.Writer(zerolog.ConsoleWriter{Out: out})
	var file *os.File
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
		writer = zerolog.MultiLevelWriter(writer, f)
	}
	log.Logger = zerolog.New(writer).Level(level).With().Timestamp().Logger()
	if file == nil {
		return io.NopCloser(nil), nil
	}
	return file, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if len(cfg.Cameras)+len(cfg.DAQs) == 0 {
		return fmt.Errorf("no cameras or daqs configured")
	}

	headless, _ := cmd.Flags().GetBool("headless")
	out := io.Writer(os.Stderr)
	var con *console.Console
	if !headless {
		con, err = console.New(deviceNames(cfg))
		if err != nil {
			return err
		}
		defer con.Close()
		// Keep log lines from tearing the prompt.
		out = con.Stdout()
	}
	closer, err := setupLogging(cfg.Log, out)
	if err != nil {
		return err
	}
	defer closer.Close()

	r, err := buildRig(cfg, log.Logger)
	if err != nil {
		log.Error().Err(err).Msg("failed to build rig")
		return err
	}

	if cfg.Experiment.Name != "" {
		if _, err := r.SetExperiment(cfg.Experiment.Base, cfg.Experiment.Name); err != nil {
			r.Close()
			return err
		}
	}

	autostart, _ := cmd.Flags().GetString("autostart")
	switch autostart {
	case "":
	case "preview":
		err = r.Preview()
	case "record":
		err = r.Record()
	default:
		err = fmt.Errorf("unknown autostart mode %q", autostart)
	}
	if err != nil {
		r.Close()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return r.Run(ctx)
	})
	if con != nil {
		eg.Go(func() error {
			con.Run(ctx, r, cancel)
			return nil
		})
	}

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("exited program")
		return err
	}
	log.Info().Msg("shut down")
	return nil
}
