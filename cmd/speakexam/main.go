package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "speakexam",
		Short: "Timed speaking exams with recorded answers, transcription and AI grading",
		Long: `speakexam serves timed speaking exams over HTTP, records answers at a
terminal kiosk, and drains recorded answers through speech-to-text and AI
grading in sequential batches.`,
		SilenceUsage:      true,
		PersistentPreRunE: setupLogging,
	}
	pf := root.PersistentFlags()
	pf.String("config", "", "Config file (default: speakexam.{yaml,json,toml} in ., ~/.config/speakexam, /etc/speakexam, /data)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.String("log-format", "text", "Log format (text, json)")

	serve := serveCmd()
	root.AddCommand(serve, takeCmd(), transcribeCmd(), gradeCmd(), exportCmd())

	// Bare `speakexam` runs the server.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func setupLogging(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	var level slog.Level
	if err := level.UnmarshalText([]byte(v.GetString("log-level"))); err != nil {
		return fmt.Errorf("invalid log level %q", v.GetString("log-level"))
	}
	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch format := strings.ToLower(v.GetString("log-format")); format {
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format %q", format)
	}
	slog.SetDefault(slog.New(h).With("cmd", cmd.Name()))
	return nil
}

// viperForCmd resolves a command's settings: flags, then SPEAKEXAM_* variables,
// then the config file.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("SPEAKEXAM")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("speakexam")
		for _, dir := range []string{".", "$HOME/.config/speakexam", "/etc/speakexam", "/data"} {
			v.AddConfigPath(dir)
		}
	}

	err := v.ReadInConfig()
	var notFound viper.ConfigFileNotFoundError
	switch {
	case err == nil:
		slog.Debug("config file loaded", "path", v.ConfigFileUsed())
	case !errors.As(err, &notFound):
		slog.Warn("config file ignored", "error", err)
	}
	return v
}
