// Package i18n holds the translated messages shown to students and admins:
// upload rejections, device prompts, countdowns and batch tallies.
package i18n

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"

	"github.com/nicksnyder/go-i18n/v2/i18n"
	"golang.org/x/text/language"
)

//go:embed locales/*.json
var localeFS embed.FS

type ctxKey struct{}

// catalog is the loaded message set plus the language negotiation state.
type catalog struct {
	bundle  *i18n.Bundle
	def     language.Tag
	tags    []language.Tag
	matcher language.Matcher
	loc     *i18n.Localizer
}

var (
	mu  sync.RWMutex
	cur *catalog
)

// Init loads every embedded locale with lang as the default language.
// Calling it again replaces the catalog.
func Init(lang string) error {
	def, err := language.Parse(lang)
	if err != nil {
		return fmt.Errorf("parse language %q: %w", lang, err)
	}

	b := i18n.NewBundle(def)
	b.RegisterUnmarshalFunc("json", json.Unmarshal)
	files, err := fs.Glob(localeFS, "locales/*.json")
	if err != nil {
		return err
	}
	for _, name := range files {
		if _, err := b.LoadMessageFileFS(localeFS, name); err != nil {
			return fmt.Errorf("load locale %s: %w", name, err)
		}
	}
	slog.Debug("locales loaded", "files", len(files), "default", def)

	// The default goes first so it wins when nothing matches.
	tags := []language.Tag{def}
	for _, t := range b.LanguageTags() {
		if t != def {
			tags = append(tags, t)
		}
	}

	mu.Lock()
	cur = &catalog{
		bundle:  b,
		def:     def,
		tags:    tags,
		matcher: language.NewMatcher(tags),
		loc:     i18n.NewLocalizer(b, def.String()),
	}
	mu.Unlock()
	return nil
}

func current() *catalog {
	mu.RLock()
	defer mu.RUnlock()
	return cur
}

// Match picks the supported language closest to an Accept-Language value or
// a bare tag such as "ru". It returns the default language when none fits.
func Match(accept string) string {
	c := current()
	if c == nil {
		return "en"
	}
	prefs, _, err := language.ParseAcceptLanguage(accept)
	if err != nil || len(prefs) == 0 {
		return c.def.String()
	}
	_, idx, conf := c.matcher.Match(prefs...)
	if conf == language.No {
		return c.def.String()
	}
	base, _ := c.tags[idx].Base()
	return base.String()
}

// NewLocalizer returns a localizer preferring langs in order, then the default.
func NewLocalizer(langs ...string) *i18n.Localizer {
	c := current()
	if c == nil {
		return nil
	}
	return i18n.NewLocalizer(c.bundle, append(langs, c.def.String())...)
}

// WithLocalizer stores a localizer in the context.
func WithLocalizer(ctx context.Context, loc *i18n.Localizer) context.Context {
	return context.WithValue(ctx, ctxKey{}, loc)
}

func message(ctx context.Context, cfg *i18n.LocalizeConfig) string {
	loc, _ := ctx.Value(ctxKey{}).(*i18n.Localizer)
	if loc == nil {
		if c := current(); c != nil {
			loc = c.loc
		}
	}
	if loc == nil {
		return cfg.MessageID
	}
	s, err := loc.Localize(cfg)
	if err != nil {
		slog.Warn("missing translation", "id", cfg.MessageID, "error", err)
		return cfg.MessageID
	}
	return s
}

// T translates a message by ID.
func T(ctx context.Context, msgID string) string {
	return message(ctx, &i18n.LocalizeConfig{MessageID: msgID})
}

// Td translates a message by ID with template data.
func Td(ctx context.Context, msgID string, data map[string]any) string {
	return message(ctx, &i18n.LocalizeConfig{MessageID: msgID, TemplateData: data})
}

// Tp translates a message whose form depends on count, e.g. "1 session" vs "3 sessions".
func Tp(ctx context.Context, msgID string, count int) string {
	return message(ctx, &i18n.LocalizeConfig{
		MessageID:    msgID,
		PluralCount:  count,
		TemplateData: map[string]any{"Count": count},
	})
}
