package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"node.town/scribe/ffmpeg"
)

var convertCmd = &cobra.Command{
	Use:   "convert <input> [output]",
	Short: "Convert a full recording to a 16 kHz mono WAV file",
	Long: `Convert runs the same decode the server applies to each chunk over a whole
recording and writes a WAV file. The output is overwritten if it exists.

The input is any recording ffmpeg can read; the server does not write one.
Without an output argument the WAV file is written next to the input.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runConvert,
}

func init() {
	convertCmd.Flags().Duration("timeout", 10*time.Minute, "Give up on ffmpeg after this long")
}

func runConvert(cmd *cobra.Command, args []string) error {
	cfg, logs, err := loadConfig()
	if err != nil {
		return err
	}

	in, out := convertPaths(args)
	timeout, _ := cmd.Flags().GetDuration("timeout")

	decoder := ffmpeg.New(ffmpeg.Options{
		Path:    cfg.FFmpeg.Path,
		Timeout: timeout,
	}, logs.ffmpeg)

	if err := decoder.Convert(cmd.Context(), in, out); err != nil {
		return fmt.Errorf("convert %s: %w", in, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Converted to WAV: %s\n", out)
	return nil
}

func convertPaths(args []string) (in, out string) {
	in = args[0]
	out = strings.TrimSuffix(in, filepath.Ext(in)) + ".wav"
	if len(args) > 1 {
		out = args[1]
	}
	return in, out
}
