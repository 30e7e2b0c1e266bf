package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/speakexam/internal/handler"
	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/llm"
	"github.com/pavelanni/speakexam/internal/llm/prompts"
	"github.com/pavelanni/speakexam/internal/media"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/store"
	"github.com/pavelanni/speakexam/internal/transcribe"
)

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP exam server",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("db", "speakexam.db", "SQLite database path")
	f.StringSlice("exams", nil, "Paths to exam JSON files to import (repeatable)")
	f.String("media-root", "media", "Directory for uploaded media")
	f.String("public-url", "/media", "URL prefix for stored media")
	f.String("whisper-url", "http://localhost:8000", "Speech-to-text server base URL")
	f.String("whisper-key", "", "API key for the speech-to-text server")
	f.String("whisper-model", transcribe.DefaultModel, "Speech-to-text model name")
	f.String("whisper-language", "", "Spoken language hint (e.g. en, ru); empty to auto-detect")
	f.Duration("transcribe-timeout", transcribe.DefaultTimeout, "Timeout for one transcription attempt")
	f.Int("max-attempts", 3, "Attempts per transcription before giving up")
	f.String("llm-url", "http://localhost:11434/v1", "OpenAI-compatible API base URL (empty disables AI grading)")
	f.String("llm-key", "ollama", "API key for LLM")
	f.String("llm-model", "llama3.2", "LLM model name")
	f.String("prompt-variant", string(prompts.PromptStandard), "Grading prompt variant (strict, standard, lenient)")
	f.String("grading-code", "", "Initial grading code (or set SPEAKEXAM_GRADING_CODE)")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	if err := seedGradingCode(db, v.GetString("grading-code")); err != nil {
		return fmt.Errorf("seed grading code: %w", err)
	}
	if err := loadExams(db, v.GetStringSlice("exams")); err != nil {
		return fmt.Errorf("load exams: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	if err := prompts.Load(); err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}

	promptVariant := strings.ToLower(strings.TrimSpace(v.GetString("prompt-variant")))
	if !prompts.IsValidVariant(promptVariant) {
		slog.Warn("invalid prompt-variant, using standard", "variant", promptVariant)
		promptVariant = string(prompts.PromptStandard)
	}
	if err := db.SetMetadata(handler.MetaPromptVariant, promptVariant); err != nil {
		return fmt.Errorf("store prompt variant: %w", err)
	}

	storage, err := media.NewStorage(v.GetString("media-root"), v.GetString("public-url"))
	if err != nil {
		return err
	}

	engine := transcribe.NewWhisperEngine(
		v.GetString("whisper-url"),
		v.GetString("whisper-key"),
		v.GetString("whisper-model"),
		v.GetString("whisper-language"),
	)
	checkEngine(cmd.Context(), engine, v.GetString("whisper-url"))

	var grader handler.SessionGrader
	if llmURL := v.GetString("llm-url"); llmURL != "" {
		grader = llm.New(llmURL, v.GetString("llm-key"), v.GetString("llm-model"))
	} else {
		slog.Warn("no llm-url configured, AI grading disabled")
	}

	cfg := model.ServerConfig{
		MediaRoot:         storage.Root(),
		PublicURL:         v.GetString("public-url"),
		PromptVariant:     promptVariant,
		TranscribeTimeout: v.GetDuration("transcribe-timeout"),
		MaxAttempts:       v.GetInt("max-attempts"),
	}
	h, err := handler.New(db, storage, grader, engine, cfg)
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}

	addr := v.GetString("addr")
	slog.Info("starting server",
		"addr", addr,
		"media_root", cfg.MediaRoot,
		"whisper_url", v.GetString("whisper-url"),
		"llm_url", v.GetString("llm-url"),
		"model", v.GetString("llm-model"),
		"prompt_variant", promptVariant,
		"lang", lang,
	)
	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// checkEngine logs the speech engine's state. The server starts either way;
// transcription requests report the engine's condition when it matters.
func checkEngine(ctx context.Context, engine *transcribe.WhisperEngine, url string) {
	health, err := engine.Health(ctx)
	switch {
	case err != nil:
		slog.Warn("speech-to-text engine not reachable", "url", url, "error", err)
	case !health.Ready:
		slog.Warn("speech-to-text engine still loading", "url", url, "model", health.Model)
	default:
		slog.Info("speech-to-text engine OK", "url", url, "model", health.Model)
	}
}

func seedGradingCode(db *store.Store, code string) error {
	count, err := db.GradingCodeCount()
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	if code == "" {
		slog.Warn("no grading code configured, AI grading requests will be rejected",
			"hint", "set --grading-code or SPEAKEXAM_GRADING_CODE")
		return nil
	}
	if err := db.AddGradingCode("default", code); err != nil {
		return err
	}
	slog.Info("seeded grading code")
	return nil
}

func loadExams(db *store.Store, paths []string) error {
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		hash := sha256sum(data)
		storedHash, err := db.GetImportedFileHash(path)
		if err != nil {
			return fmt.Errorf("check import status for %s: %w", path, err)
		}

		if storedHash == hash {
			slog.Info("exams file unchanged, skipping", "path", path)
			continue
		}
		if storedHash != "" {
			slog.Warn("exams file changed since last import, skipping to avoid breaking existing sessions",
				"path", path)
			continue
		}

		var exams []model.ExamImport
		if err := json.Unmarshal(data, &exams); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		for _, ei := range exams {
			id, err := db.ImportExam(ei)
			if err != nil {
				return fmt.Errorf("import exam %q from %s: %w", ei.Title, path, err)
			}
			slog.Info("imported exam", "path", path, "exam_id", id, "title", ei.Title, "questions", len(ei.Questions))
		}

		if err := db.SetImportedFileHash(path, hash); err != nil {
			return fmt.Errorf("record import for %s: %w", path, err)
		}
	}

	return nil
}

func sha256sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
