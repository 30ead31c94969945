package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"node.town/scribe/chunk"
	"node.town/scribe/ffmpeg"
	"node.town/scribe/stt"
	"node.town/scribe/www"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the websocket transcription server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("host", "0.0.0.0", "Address to listen on")
	serveCmd.Flags().IntP("port", "p", 3001, "Port to listen on")
	serveCmd.Flags().Bool("keep", false, "Keep chunk artifacts after processing")
	serveCmd.Flags().Bool("concurrent", false, "Allow concurrent calls into the engine")

	viper.BindPFlag("host", serveCmd.Flags().Lookup("host"))
	viper.BindPFlag("port", serveCmd.Flags().Lookup("port"))
	viper.BindPFlag("artifacts.keep", serveCmd.Flags().Lookup("keep"))
	viper.BindPFlag("engine.concurrent", serveCmd.Flags().Lookup("concurrent"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logs, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := chunk.NewStore(cfg.Artifacts.Dir, logs.disk)
	if err != nil {
		return err
	}

	engine, err := stt.New(ctx, cfg.Engine, logs.stt)
	if err != nil {
		return err
	}
	defer func() {
		if err := stt.Close(engine); err != nil {
			logs.stt.Warn("close engine", "error", err)
		}
	}()

	decoder := ffmpeg.New(ffmpeg.Options{
		Path:    cfg.FFmpeg.Path,
		Timeout: cfg.FFmpeg.Timeout,
	}, logs.ffmpeg)

	server := www.NewServer(cfg, www.Deps{
		Store:   store,
		Decoder: decoder,
		Engine:  engine,
	}, logs.http)

	logs.main.Info("starting", "addr", cfg.Addr(), "backend", cfg.Engine.Backend, "dir", cfg.Artifacts.Dir)
	if err := server.Serve(ctx); err != nil {
		return fmt.Errorf("serve: %w", err)
	}
	logs.main.Info("stopped")
	return nil
}
