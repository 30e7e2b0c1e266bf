package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pavelanni/speakexam/internal/batch"
	"github.com/pavelanni/speakexam/internal/client"
	"github.com/pavelanni/speakexam/internal/grading"
	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/llm/prompts"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/store"
)

func transcribeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transcribe",
		Short: "Transcribe recorded answers for completed sessions",
		RunE:  runTranscribe,
	}
	f := cmd.Flags()
	f.StringP("server", "s", "http://localhost:8080", "Exam server base URL")
	f.Int64Slice("session", nil, "Session IDs to transcribe (default: all completed sessions)")
	f.Duration("session-timeout", 30*time.Minute, "Longest wait for one session's transcription")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	return cmd
}

func gradeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grade",
		Short: "Run AI grading over completed sessions",
		RunE:  runGrade,
	}
	f := cmd.Flags()
	f.StringP("server", "s", "http://localhost:8080", "Exam server base URL")
	f.String("grading-code", "", "Grading code (or set SPEAKEXAM_GRADING_CODE)")
	f.String("prompt-variant", "", "Grading prompt variant (strict, standard, lenient); empty for the server default")
	f.Int64Slice("session", nil, "Session IDs to grade (default: completed sessions not yet AI-graded)")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export sessions, answers, transcripts and grades as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.String("db", "speakexam.db", "SQLite database path")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	return cmd
}

// adminSetup prepares localized output and an API client for the batch commands.
func adminSetup(cmd *cobra.Command, opts ...client.Option) (context.Context, *client.Client, error) {
	v := viperForCmd(cmd)
	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return nil, nil, fmt.Errorf("init i18n: %w", err)
	}
	ctx := appI18n.WithLocalizer(cmd.Context(), appI18n.NewLocalizer(lang))
	return ctx, client.New(v.GetString("server"), opts...), nil
}

// selectSessions returns the explicit IDs, or the completed sessions accepted by keep.
func selectSessions(ctx context.Context, cmd *cobra.Command, api *client.Client, keep func(model.ExamSession) bool) ([]int64, error) {
	ids, err := cmd.Flags().GetInt64Slice("session")
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		return ids, nil
	}
	sessions, err := api.Sessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	// Oldest first.
	for i := len(sessions) - 1; i >= 0; i-- {
		if sessions[i].Completed() && keep(sessions[i]) {
			ids = append(ids, sessions[i].ID)
		}
	}
	return ids, nil
}

func runTranscribe(cmd *cobra.Command, _ []string) error {
	timeout := viperForCmd(cmd).GetDuration("session-timeout")
	ctx, api, err := adminSetup(cmd, client.WithHTTPClient(&http.Client{Timeout: timeout}))
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	health, err := api.TranscriptionHealth(ctx)
	switch {
	case client.StatusOf(err) == http.StatusServiceUnavailable:
		return errors.New(appI18n.T(ctx, "EngineNotRunning"))
	case err != nil:
		return fmt.Errorf("check speech engine: %w", err)
	case !health.Ready:
		return errors.New(appI18n.T(ctx, "EngineNotReady"))
	}
	fmt.Fprintln(out, appI18n.Td(ctx, "EngineReady", map[string]any{"Model": health.Model}))

	ids, err := selectSessions(ctx, cmd, api, func(model.ExamSession) bool { return true })
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Fprintln(out, appI18n.Tp(ctx, "SessionsProcessed", 0))
		return nil
	}

	// One request per session keeps each call short and the tally live.
	rep := batch.Run(ctx, ids, batch.Options{Name: "transcribe"}, api.TranscribeSession)
	for _, it := range rep.Items {
		if !it.Success {
			fmt.Fprintf(out, "  session %d: %s\n", it.ID, it.Error)
			continue
		}
		fmt.Fprintf(out, "  session %d: %d/%d answers transcribed\n", it.ID, it.Value.SuccessCount, it.Value.Processed)
		for _, r := range it.Value.Results {
			if !r.Success {
				fmt.Fprintf(out, "    question %d: %s\n", r.QuestionID, r.Error)
			}
		}
	}
	printTally(ctx, out, rep.Processed, rep.SuccessCount, rep.FailureCount)
	return nil
}

func runGrade(cmd *cobra.Command, _ []string) error {
	ctx, api, err := adminSetup(cmd)
	if err != nil {
		return err
	}
	v := viperForCmd(cmd)
	out := cmd.OutOrStdout()

	code := v.GetString("grading-code")
	if code == "" {
		return errors.New("grading code is required: set --grading-code flag or SPEAKEXAM_GRADING_CODE env var")
	}
	variant := v.GetString("prompt-variant")
	if variant != "" && !prompts.IsValidVariant(variant) {
		return fmt.Errorf("invalid prompt variant %q", variant)
	}

	ids, err := selectSessions(ctx, cmd, api, func(s model.ExamSession) bool { return !s.AIGraded })
	if err != nil {
		return err
	}

	orch := grading.New(api, code,
		grading.WithPrompt(variant),
		grading.WithRefresh(func(ctx context.Context) error {
			sessions, err := api.Sessions(ctx)
			if err == nil {
				slog.Debug("session list refreshed", "sessions", len(sessions))
			}
			return err
		}),
	)
	orch.Select(ids...)

	rep, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	if rep == nil {
		fmt.Fprintln(out, appI18n.T(ctx, "NothingToGrade"))
		return nil
	}
	for _, it := range rep.Items {
		if it.Success {
			fmt.Fprintf(out, "  session %d: %.1f/%d\n", it.ID, it.Value.Score, it.Value.MaxScore)
			continue
		}
		fmt.Fprintf(out, "  session %d: %s\n", it.ID, it.Error)
	}
	printTally(ctx, out, rep.Processed, rep.SuccessCount, rep.FailureCount)
	return nil
}

func printTally(ctx context.Context, out io.Writer, processed, succeeded, failed int) {
	fmt.Fprintln(out, appI18n.Tp(ctx, "SessionsProcessed", processed))
	fmt.Fprintln(out, appI18n.Td(ctx, "BatchTally", map[string]any{"Success": succeeded, "Failed": failed}))
}

func runExport(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	db, err := store.New(v.GetString("db"))
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	results, err := db.ExportAllSessions()
	if err != nil {
		return fmt.Errorf("export sessions: %w", err)
	}

	export := model.ExamExport{
		ExportedAt: time.Now().UTC(),
		Sessions:   results,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	outPath := v.GetString("output")
	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = cmd.OutOrStdout()
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	_, _ = fmt.Fprintln(w)

	slog.Info("exported sessions", "count", len(results), "output", outPath)
	return nil
}
