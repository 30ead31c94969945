package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"node.town/scribe/config"
)

var logger *log.Logger

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sendCmd)
	rootCmd.AddCommand(convertCmd)
	rootCmd.AddCommand(listSessionsCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(setupCmd)

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("dir", "recordings", "Directory for chunk artifacts")
	rootCmd.PersistentFlags().String("ffmpeg", "ffmpeg", "Path to the ffmpeg binary")
	rootCmd.PersistentFlags().String("backend", "whisper-cpp", "Transcription backend (whisper-cpp, openai, gemini)")
	rootCmd.PersistentFlags().String("model-path", "models/ggml-small.en.bin", "whisper.cpp model file")
	rootCmd.PersistentFlags().String("openai-api-key", "", "OpenAI API key")
	rootCmd.PersistentFlags().String("gemini-api-key", "", "Gemini API key")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("artifacts.dir", rootCmd.PersistentFlags().Lookup("dir"))
	viper.BindPFlag("ffmpeg.path", rootCmd.PersistentFlags().Lookup("ffmpeg"))
	viper.BindPFlag("engine.backend", rootCmd.PersistentFlags().Lookup("backend"))
	viper.BindPFlag("engine.model_path", rootCmd.PersistentFlags().Lookup("model-path"))
	viper.BindPFlag(
		"openai_api_key",
		rootCmd.PersistentFlags().Lookup("openai-api-key"),
	)
	viper.BindPFlag(
		"gemini_api_key",
		rootCmd.PersistentFlags().Lookup("gemini-api-key"),
	)
}

func initConfig() {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		viper.AddConfigPath(filepath.Join(home, ".scribe"))
	}
	viper.SetEnvPrefix("SCRIBE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "Error reading config file: %s\n", err)
		}
	}

	logger = log.New(os.Stderr)
}

var rootCmd = &cobra.Command{
	Use:   "scribe",
	Short: "Scribe transcribes streamed audio chunks",
	Long: `Scribe accepts compressed audio fragments over a websocket, decodes each one
with ffmpeg, transcribes it and streams back text with word timings.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads the typed configuration and sets up logging to match.
func loadConfig() (*config.Config, loggers, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, loggers{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, createLoggers(cfg.LogLevel), nil
}

type loggers struct {
	main   *log.Logger
	http   *log.Logger
	ffmpeg *log.Logger
	stt    *log.Logger
	disk   *log.Logger
}

func createLoggers(level string) loggers {
	if logger == nil {
		logger = log.New(os.Stderr)
	}
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		logLevel = log.InfoLevel
	}

	logger.SetLevel(logLevel)
	logger.SetReportCaller(logLevel == log.DebugLevel)
	logger.SetCallerFormatter(
		func(file string, line int, funcName string) string {
			path, err := filepath.Rel(".", file)
			if err != nil {
				path = file
			}
			return fmt.Sprintf("%s:%d", path, line)
		},
	)

	styles := log.DefaultStyles()
	styles.Prefix = styles.Prefix.Bold(false).Transform(func(s string) string {
		return strings.TrimSuffix(s, ":")
	})
	for _, l := range []log.Level{log.InfoLevel, log.WarnLevel, log.ErrorLevel} {
		styles.Levels[l] = styles.Levels[l].
			MaxWidth(6).
			MarginRight(1).
			Bold(false)
	}
	styles.Message = styles.Message.Bold(true).Width(20)
	styles.Key = styles.Key.MarginLeft(1).
		Bold(false).
		Foreground(lipgloss.Color("#ff8800"))

	logger.SetStyles(styles)

	return loggers{
		main:   logger.With().WithPrefix("main"),
		http:   logger.With().WithPrefix("http"),
		ffmpeg: logger.With().WithPrefix("ffmpeg"),
		stt:    logger.With().WithPrefix("stt"),
		disk:   logger.With().WithPrefix("disk"),
	}
}
