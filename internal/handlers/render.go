package handlers

import (
	"bytes"
	"html/template"
	"log/slog"

	"github.com/curetrials/trialchat/internal/models"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

// turnView is a turn as the page sees it: the turn itself plus its rendered HTML and the state that
// picks the indicator to show.
type turnView struct {
	models.Turn

	HTML           template.HTML         `json:"html"`
	StreamingState models.StreamingState `json:"streamingState"`
}

type locationsView struct {
	TurnID    string            `json:"turnId"`
	Locations []models.Location `json:"locations"`
}

type renderer struct {
	md     goldmark.Markdown
	logger *slog.Logger
}

func newRenderer(logger *slog.Logger) renderer {
	return renderer{
		md: goldmark.New(
			goldmark.WithExtensions(
				extension.GFM,
				highlighting.NewHighlighting(highlighting.WithStyle("github")),
			),
			goldmark.WithRendererOptions(html.WithHardWraps()),
		),
		logger: logger,
	}
}

// turn renders assistant answers as markdown. User input is shown verbatim.
func (r renderer) turn(t models.Turn) turnView {
	v := turnView{
		Turn:           t,
		StreamingState: t.State(),
	}
	if t.Role != models.RoleAssistant {
		v.HTML = template.HTML(template.HTMLEscapeString(t.Content))
		return v
	}

	var buf bytes.Buffer
	if err := r.md.Convert([]byte(t.Content), &buf); err != nil {
		r.logger.Error("Failed to render markdown",
			slog.String("turnID", t.ID),
			slog.String(errLoggerKey, err.Error()))
		v.HTML = template.HTML(template.HTMLEscapeString(t.Content))
		return v
	}
	v.HTML = template.HTML(buf.String())
	return v
}

func (r renderer) turns(ts []models.Turn) []turnView {
	views := make([]turnView, len(ts))
	for i, t := range ts {
		views[i] = r.turn(t)
	}
	return views
}
