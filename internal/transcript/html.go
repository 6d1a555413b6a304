package transcript

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/parser"
	"github.com/yuin/goldmark/renderer/html"

	"agentchat/internal/appinfo"
	"agentchat/internal/session"
)

//go:embed transcript.html
var templateFS embed.FS

type pageData struct {
	AppDisplay string
	Title      string
	Body       template.HTML
	Footer     string
}

var (
	pageTemplateOnce sync.Once
	pageTemplate     *template.Template
	pageTemplateErr  error
)

func getPageTemplate() (*template.Template, error) {
	pageTemplateOnce.Do(func() {
		b, err := templateFS.ReadFile("transcript.html")
		if err != nil {
			pageTemplateErr = err
			return
		}
		pageTemplate, pageTemplateErr = template.New("transcript.html").Parse(string(b))
	})
	return pageTemplate, pageTemplateErr
}

// Raw HTML inside message content is omitted from the output.
var markdown = goldmark.New(
	goldmark.WithExtensions(extension.GFM, extension.Linkify),
	goldmark.WithParserOptions(parser.WithAutoHeadingID()),
	goldmark.WithRendererOptions(html.WithHardWraps(), html.WithXHTML()),
)

var markdownMu sync.Mutex

// RenderHTML renders s as a standalone HTML page.
func RenderHTML(s session.Snapshot) (string, error) {
	md := RenderMarkdown(s)

	var content bytes.Buffer
	markdownMu.Lock()
	err := markdown.Convert([]byte(md), &content)
	markdownMu.Unlock()
	if err != nil {
		content.Reset()
		content.WriteString("<pre>")
		content.WriteString(template.HTMLEscapeString(md))
		content.WriteString("</pre>")
	}

	footer := appinfo.Display()
	if !s.SavedAt.IsZero() {
		footer = fmt.Sprintf("%s • %s", footer, s.SavedAt.UTC().Format("2006-01-02T15:04:05Z07:00"))
	}
	data := pageData{
		AppDisplay: appinfo.Display(),
		Title:      fmt.Sprintf("%s / %s", orDash(s.ConversationID), orDash(s.AgentID)),
		Body:       template.HTML(content.String()),
		Footer:     footer,
	}

	tmpl, err := getPageTemplate()
	if err != nil {
		return "", err
	}
	var out bytes.Buffer
	if err := tmpl.Execute(&out, data); err != nil {
		return "", err
	}
	return out.String(), nil
}
