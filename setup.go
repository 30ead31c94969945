package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"node.town/scribe/config"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Interactively write config.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("output")
		return RunSetup(path)
	},
}

func init() {
	setupCmd.Flags().StringP("output", "o", "config.yaml", "Where to write the configuration")
}

// setupAnswers holds the form values before they are validated and saved.
type setupAnswers struct {
	Backend   string
	ModelPath string
	Language  string
	Port      string
	Dir       string
	Keep      bool
	APIKey    string
}

func RunSetup(path string) error {
	logs := createLoggers(viper.GetString("log_level"))
	logs.main.Info("Starting scribe setup...")

	if _, err := exec.LookPath(viper.GetString("ffmpeg.path")); err != nil {
		logs.main.Warn("ffmpeg not found; install it before running serve", "path", viper.GetString("ffmpeg.path"))
	}

	a := setupAnswers{
		Backend:   viper.GetString("engine.backend"),
		ModelPath: viper.GetString("engine.model_path"),
		Language:  viper.GetString("engine.language"),
		Port:      strconv.Itoa(viper.GetInt("port")),
		Dir:       viper.GetString("artifacts.dir"),
		Keep:      viper.GetBool("artifacts.keep"),
	}

	options := make([]huh.Option[string], 0, len(config.Backends))
	for _, b := range config.Backends {
		options = append(options, huh.NewOption(b, b))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Transcription backend").
				Options(options...).
				Value(&a.Backend),
			huh.NewInput().
				Title("Language").
				Description("ISO-639-1 code, or auto").
				Value(&a.Language),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("whisper.cpp model file").
				Value(&a.ModelPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); err != nil {
						return fmt.Errorf("model file not found: %s", s)
					}
					return nil
				}),
		).WithHideFunc(func() bool { return a.Backend != "whisper-cpp" }),
		huh.NewGroup(
			huh.NewInput().
				Title("API key").
				EchoMode(huh.EchoModePassword).
				Value(&a.APIKey),
		).WithHideFunc(func() bool { return a.Backend == "whisper-cpp" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Port").
				Value(&a.Port).
				Validate(func(s string) error {
					if _, err := strconv.Atoi(s); err != nil {
						return errors.New("port must be a number")
					}
					return nil
				}),
			huh.NewInput().
				Title("Artifact directory").
				Value(&a.Dir),
			huh.NewConfirm().
				Title("Keep chunk files after processing?").
				Value(&a.Keep),
		),
	)

	if err := form.Run(); err != nil {
		return fmt.Errorf("setup form: %w", err)
	}

	if err := a.apply(viper.GetViper()); err != nil {
		return err
	}
	if _, err := config.Load(viper.GetViper()); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := viper.WriteConfigAs(path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	logs.main.Info("Setup completed successfully!", "config", path)
	return nil
}

func (a setupAnswers) apply(v *viper.Viper) error {
	port, err := strconv.Atoi(a.Port)
	if err != nil {
		return fmt.Errorf("invalid port: %q", a.Port)
	}

	v.Set("engine.backend", a.Backend)
	v.Set("engine.language", a.Language)
	v.Set("port", port)
	v.Set("artifacts.dir", a.Dir)
	v.Set("artifacts.keep", a.Keep)

	switch a.Backend {
	case "whisper-cpp":
		v.Set("engine.model_path", a.ModelPath)
	case "openai":
		v.Set("openai_api_key", a.APIKey)
	case "gemini":
		v.Set("gemini_api_key", a.APIKey)
	}
	return nil
}
