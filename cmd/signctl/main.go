// Command signctl inspects models, replays recorded landmark streams through
// a local recognition session and reads stored session timelines.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-signs/internal/bus"
	"github.com/loqalabs/loqa-signs/internal/capability"
	"github.com/loqalabs/loqa-signs/internal/config"
	"github.com/loqalabs/loqa-signs/internal/eventstore"
	"github.com/loqalabs/loqa-signs/internal/runtime"
	"github.com/loqalabs/loqa-signs/internal/smoother"
)

var version = "0.1.0-dev"

var (
	configPath string
	verbose    bool

	replayMode     string
	replayInterval time.Duration
	replayFinal    bool

	timelineLimit int

	nodesWait time.Duration
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "signctl",
		Short:        "Operator tool for the sign recognition runtime",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "signd.yaml", "path to configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log debug output to stderr")

	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newLabelsCmd())
	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newTimelineCmd())
	rootCmd.AddCommand(newNodesCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return rootCmd
}

func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and the model manifest it points at",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			m, labels, err := runtime.LoadModel(cfg.Model.ManifestPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "config:     %s ok\n", configPath)
			fmt.Fprintf(out, "model:      %s %s\n", m.Metadata.Name, m.Metadata.Version)
			fmt.Fprintf(out, "input:      %d frames x %d features\n", m.Input.SequenceLength, m.Input.FeatureDim)
			fmt.Fprintf(out, "labels:     %d\n", len(labels))
			fmt.Fprintf(out, "classifier: %s\n", cfg.Classifier.Mode)
			fmt.Fprintf(out, "sentence:   %s\n", cfg.Sentence.Generator)
			return nil
		},
	}
}

func newLabelsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "labels",
		Short: "List the signs the configured model recognizes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			_, labels, err := runtime.LoadModel(cfg.Model.ManifestPath)
			if err != nil {
				return err
			}
			for i, l := range labels {
				fmt.Fprintf(cmd.OutOrStdout(), "%3d  %s\n", i, l)
			}
			return nil
		},
	}
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay [file]",
		Short: "Run a JSONL landmark recording through a local session",
		Long: "Each line is a frame object with a \"landmarks\" set and an optional \"timestamp\".\n" +
			"Frames without a timestamp are spaced by --interval. Reads stdin when no file is given.",
		Args: cobra.MaximumNArgs(1),
		RunE: runReplayCmd,
	}
	cmd.Flags().StringVar(&replayMode, "mode", "", "recognizer mode (continuous|discrete), defaults to recognizer.default_mode")
	cmd.Flags().DurationVar(&replayInterval, "interval", 33*time.Millisecond, "frame spacing for frames without a timestamp")
	cmd.Flags().BoolVar(&replayFinal, "build", true, "force a sentence from the remaining signs at the end")
	return cmd
}

func runReplayCmd(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	mode := cfg.Recognizer.DefaultMode
	if replayMode != "" {
		mode = replayMode
	}
	if mode != config.ModeContinuous && mode != config.ModeDiscrete {
		return fmt.Errorf("unknown mode %q", mode)
	}

	var in io.Reader = cmd.InOrStdin()
	if len(args) == 1 {
		f, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	logger := newLogger()
	m, labels, err := runtime.LoadModel(cfg.Model.ManifestPath)
	if err != nil {
		return err
	}
	if cfg.Sentence.Generator == "bus" {
		logger.Warn("replay runs without a bus, using the label fallback for sentences")
		cfg.Sentence.Generator = "fallback"
	}
	generators, err := runtime.NewGeneratorFactory(cfg, nil, logger)
	if err != nil {
		return err
	}
	r := replayer{
		loader:       runtime.NewModelLoader(cfg.Classifier, m, labels, logger),
		layout:       m.Landmarks,
		profiles:     runtime.Profiles(cfg.Recognizer),
		mode:         smoother.Mode(mode),
		maxSigns:     cfg.Sentence.MaxSigns,
		idleCooldown: cfg.Sentence.IdleCooldown(),
		interval:     replayInterval,
		build:        replayFinal,
	}
	if generators != nil {
		r.generator = generators("replay")
	}
	return r.run(cmd.Context(), in, cmd.OutOrStdout())
}

func newTimelineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "timeline <session-id>",
		Short: "Print the stored sign and sentence timeline of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.EventStore.RetentionMode == eventstore.RetentionEphemeral {
				return fmt.Errorf("event store is ephemeral, nothing is recorded")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			store, err := eventstore.Open(ctx, cfg.EventStore, newLogger())
			if err != nil {
				return err
			}
			defer store.Close()
			entries, err := store.Timeline(ctx, args[0], timelineLimit)
			if err != nil {
				return err
			}
			for _, e := range entries {
				fmt.Fprintln(cmd.OutOrStdout(), formatEntry(e))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&timelineLimit, "limit", 100, "maximum entries to print")
	return cmd
}

func formatEntry(e eventstore.Entry) string {
	ts := e.CreatedAt.UTC().Format("15:04:05.000")
	switch e.Kind {
	case eventstore.KindSign:
		return fmt.Sprintf("%s  sign      %-12s %.2f", ts, e.Label, e.Confidence)
	case eventstore.KindSentence:
		note := e.Trigger
		if e.Fallback {
			note += ", fallback"
		}
		return fmt.Sprintf("%s  sentence  %q (%s) [%s]", ts, e.Label, note, strings.Join(e.Signs, " "))
	default:
		return fmt.Sprintf("%s  %-9s %s", ts, e.Kind, e.Label)
	}
}

func newNodesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nodes",
		Short: "List recognizer and language nodes seen on the bus",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger()
			client, err := bus.Connect(cmd.Context(), cfg.Bus, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			node := cfg.Node
			node.ID = "signctl-" + strconv.Itoa(os.Getpid())
			node.Role = "observer"
			registry, err := capability.NewRegistry(cmd.Context(), node, capability.Local{}, client, logger)
			if err != nil {
				return err
			}
			defer registry.Close()

			select {
			case <-cmd.Context().Done():
				return cmd.Context().Err()
			case <-time.After(nodesWait):
			}

			out := cmd.OutOrStdout()
			peers := registry.Query(func(n capability.NodeInfo) bool { return n.ID != node.ID })
			if len(peers) == 0 {
				fmt.Fprintln(out, "no nodes seen")
				return nil
			}
			for _, n := range peers {
				names := make([]string, 0, len(n.Capabilities))
				for _, c := range n.Capabilities {
					names = append(names, c.Name)
				}
				fmt.Fprintf(out, "%-20s %-11s healthy=%-5t sessions=%d/%d  %s\n",
					n.ID, n.Role, n.Healthy, n.ActiveSessions, n.MaxSessions, strings.Join(names, ","))
			}
			if best, ok := registry.PickRecognizer(); ok {
				fmt.Fprintf(out, "suggested recognizer: %s (%d free)\n", best.ID, best.FreeSlots())
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&nodesWait, "wait", 3*time.Second, "how long to listen for heartbeats")
	return cmd
}
