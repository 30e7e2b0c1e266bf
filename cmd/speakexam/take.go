package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavelanni/speakexam/internal/capture"
	"github.com/pavelanni/speakexam/internal/client"
	appI18n "github.com/pavelanni/speakexam/internal/i18n"
	"github.com/pavelanni/speakexam/internal/model"
	"github.com/pavelanni/speakexam/internal/phase"
	"github.com/pavelanni/speakexam/internal/retry"
	"github.com/pavelanni/speakexam/internal/upload"
)

func takeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "take",
		Short: "Sit an exam at this terminal, recording answers from the microphone",
		RunE:  runTake,
	}
	f := cmd.Flags()
	f.StringP("server", "s", "http://localhost:8080", "Exam server base URL")
	f.String("name", "", "Student name (prompted when empty)")
	f.Int64("exam", 0, "Exam ID (prompted when 0)")
	f.String("source", "", "PulseAudio source ID (empty for the default microphone)")
	f.Duration("upload-timeout", upload.DefaultTimeout, "Timeout for one upload attempt")
	f.Int("max-attempts", 3, "Attempts per upload or API call before giving up")
	f.StringP("lang", "l", "en", "Message language (en, ru)")
	return cmd
}

func runTake(cmd *cobra.Command, _ []string) error {
	v := viperForCmd(cmd)

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()
	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))
	out := cmd.OutOrStdout()

	apiPolicy := retry.Default("api", nil)
	apiPolicy.MaxAttempts = v.GetInt("max-attempts")
	api := client.New(v.GetString("server"), client.WithPolicy(apiPolicy))

	in := bufio.NewScanner(cmd.InOrStdin())
	examID, err := chooseExam(ctx, api, v.GetInt64("exam"), in, out)
	if err != nil {
		return err
	}
	name := strings.TrimSpace(v.GetString("name"))
	for name == "" {
		fmt.Fprint(out, appI18n.T(ctx, "StudentNamePrompt"))
		if !in.Scan() {
			return io.ErrUnexpectedEOF
		}
		name = strings.TrimSpace(in.Text())
	}

	view, err := api.StartSession(ctx, examID, name)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Fprintln(out, appI18n.Td(ctx, "SessionStarted", map[string]any{"ID": view.Session.ID}))

	upPolicy := retry.Default("upload", upload.Transient)
	upPolicy.MaxAttempts = v.GetInt("max-attempts")
	up := upload.New(api.UploadURL(),
		upload.WithTimeout(v.GetDuration("upload-timeout")),
		upload.WithPolicy(upPolicy),
	)
	rec := capture.NewRecorder(capture.PulseDevice{Source: v.GetString("source")})

	events := make(chan phase.Transition, 64)
	ctl := phase.New(view.Session.ID, view.Questions, rec, up, api,
		phase.WithObserver(func(t phase.Transition) {
			// Observers run under the controller lock; printing happens elsewhere.
			select {
			case events <- t:
			default:
			}
		}),
	)

	p := &prompter{ctx: ctx, out: out, api: api, ctl: ctl, questions: sortedQuestions(view.Questions)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		p.run(events)
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	actions := make(chan phase.Action)
	go readActions(runCtx, scanLines(runCtx, in), ctl.Phase, actions)

	err = ctl.Run(runCtx, actions)
	cancel()
	close(events)
	<-done
	return err
}

func chooseExam(ctx context.Context, api *client.Client, examID int64, in *bufio.Scanner, out io.Writer) (int64, error) {
	if examID > 0 {
		return examID, nil
	}
	exams, err := api.Exams(ctx)
	if err != nil {
		return 0, fmt.Errorf("list exams: %w", err)
	}
	if len(exams) == 0 {
		return 0, errors.New(appI18n.T(ctx, "NoExams"))
	}
	if len(exams) == 1 {
		return exams[0].ID, nil
	}
	for _, e := range exams {
		fmt.Fprintf(out, "  %d) %s\n", e.ID, e.Title)
	}
	for {
		fmt.Fprint(out, appI18n.T(ctx, "ChooseExam"))
		if !in.Scan() {
			return 0, io.ErrUnexpectedEOF
		}
		id, err := strconv.ParseInt(strings.TrimSpace(in.Text()), 10, 64)
		if err != nil {
			continue
		}
		for _, e := range exams {
			if e.ID == id {
				return id, nil
			}
		}
	}
}

func sortedQuestions(qs []model.Question) []model.Question {
	out := append([]model.Question(nil), qs...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// scanLines feeds input lines to the returned channel until EOF or ctx ends.
// A Scan already blocked on the terminal cannot be interrupted; the goroutine
// exits on the next line or EOF without delivering it.
func scanLines(ctx context.Context, in *bufio.Scanner) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			select {
			case lines <- in.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// readActions maps terminal input to controller actions until lines closes or
// ctx ends. Enter advances the current phase; "r" and "s" answer a
// retry-or-skip prompt.
func readActions(ctx context.Context, lines <-chan string, current func() model.Phase, actions chan<- phase.Action) {
	defer close(actions)
	for {
		var line string
		select {
		case <-ctx.Done():
			return
		case l, ok := <-lines:
			if !ok {
				return
			}
			line = l
		}

		var a phase.Action
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "r":
			a = phase.ActionRetry
		case "s":
			a = phase.ActionSkip
		case "":
			switch current() {
			case model.PhaseReading:
				a = phase.ActionReady
			case model.PhaseWatching:
				a = phase.ActionStimulusEnded
			case model.PhaseAnswering:
				a = phase.ActionStop
			default:
				continue
			}
		default:
			continue
		}
		select {
		case actions <- a:
		case <-ctx.Done():
			return
		}
	}
}

type prompter struct {
	ctx       context.Context
	out       io.Writer
	api       *client.Client
	ctl       *phase.Controller
	questions []model.Question
}

func (p *prompter) run(events <-chan phase.Transition) {
	for t := range events {
		p.announce(t)
	}
}

func (p *prompter) announce(t phase.Transition) {
	if t.From == model.PhaseSaving && t.To != model.PhaseBlocked {
		p.announceSaved()
	}
	var q model.Question
	if t.Index < len(p.questions) {
		q = p.questions[t.Index]
	}
	switch t.To {
	case model.PhaseReading:
		fmt.Fprintln(p.out)
		fmt.Fprintln(p.out, appI18n.Td(p.ctx, "QuestionN", map[string]any{"N": t.Index + 1, "Total": len(p.questions)}))
		fmt.Fprintln(p.out, q.Text)
		if q.StimulusURL != "" && !q.NeedsPlayback() {
			fmt.Fprintln(p.out, p.api.MediaURL(q.StimulusURL))
		}
		fmt.Fprintln(p.out, appI18n.Td(p.ctx, "ReadingCountdown", map[string]any{"Seconds": q.ReadingSeconds()}))
		fmt.Fprintln(p.out, appI18n.T(p.ctx, "ReadyPrompt"))
	case model.PhaseWatching:
		fmt.Fprintln(p.out, appI18n.Td(p.ctx, "WatchingPrompt", map[string]any{"URL": p.api.MediaURL(q.StimulusURL)}))
	case model.PhaseAnswering:
		fmt.Fprintln(p.out, appI18n.Td(p.ctx, "AnsweringCountdown", map[string]any{"Seconds": q.AnsweringSeconds()}))
	case model.PhaseSaving:
		fmt.Fprintln(p.out, appI18n.T(p.ctx, "Saving"))
	case model.PhaseBlocked:
		s := p.ctl.Snapshot()
		fmt.Fprintln(p.out, blockedMessage(p.ctx, s.Err))
		fmt.Fprintln(p.out, appI18n.T(p.ctx, "RetryOrSkip"))
	case model.PhaseComplete:
		fmt.Fprintln(p.out, appI18n.T(p.ctx, "ExamComplete"))
	}
}

func (p *prompter) announceSaved() {
	s := p.ctl.Snapshot()
	if s.LastAnswer != nil && s.LastAnswer.AudioURL == nil {
		fmt.Fprintln(p.out, appI18n.T(p.ctx, "AnswerSavedNoAudio"))
		return
	}
	fmt.Fprintln(p.out, appI18n.T(p.ctx, "AnswerSaved"))
}

func blockedMessage(ctx context.Context, err error) string {
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return appI18n.T(ctx, "PermissionDenied")
	case errors.Is(err, capture.ErrNoInputDevice):
		return appI18n.T(ctx, "NoInputDevice")
	case capture.IsDeviceError(err):
		return appI18n.T(ctx, "DeviceUnavailable")
	}
	return appI18n.T(ctx, "SaveFailed")
}
