package email

import (
	"fmt"
	"html"
	"io"
	"io/fs"
	"path"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"gopkg.in/gomail.v2"

	"MailRun/internal/assets"
)

const (
	TestSubjectPrefix = "[TEST] "

	testBanner = `<div style="background-color: #f0f0f0; padding: 10px; margin-bottom: 20px; border-left: 4px solid #007bff;">
<p style="margin: 0; color: #666;">This is a test message, not the actual dispatch.</p>
</div>
`
)

var (
	strictPolicy = bluemonday.StrictPolicy()

	blockBreak = regexp.MustCompile(`(?i)<br\s*/?>|</(p|div|h[1-6]|li|tr|table|blockquote|pre)\s*>`)
	spaceRun   = regexp.MustCompile(`[ \t\f\v]+`)
)

// Envelope is everything needed to address and render one outgoing message.
type Envelope struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// AsTest marks the envelope as a test message: prefixed subject, banner above the body.
func (e Envelope) AsTest() Envelope {
	e.Subject = TestSubjectPrefix + e.Subject
	e.HTML = testBanner + e.HTML
	return e
}

// AssetSource opens resolved inline assets.
type AssetSource interface {
	Open(path string) (fs.File, error)
}

// BuildMessage renders env as multipart/alternative with a plain-text
// fallback, embedding each inline asset under its content-id.
func BuildMessage(env Envelope, inline []assets.Asset, src AssetSource) *gomail.Message {
	m := gomail.NewMessage()
	m.SetHeader("From", env.From)
	m.SetHeader("To", env.To)
	m.SetHeader("Subject", env.Subject)
	m.SetBody("text/plain", PlainText(env.HTML))
	m.AddAlternative("text/html", env.HTML)

	for _, a := range inline {
		m.Embed(path.Base(a.Path),
			gomail.SetHeader(map[string][]string{
				"Content-ID": {"<" + a.ContentID + ">"},
			}),
			gomail.SetCopyFunc(copyAsset(src, a)),
		)
	}
	return m
}

func copyAsset(src AssetSource, a assets.Asset) func(io.Writer) error {
	return func(w io.Writer) error {
		f, err := src.Open(a.Path)
		if err != nil {
			return fmt.Errorf("open inline asset %s: %w", a.ContentID, err)
		}
		defer f.Close()
		_, err = io.Copy(w, f)
		return err
	}
}

// PlainText strips markup from body, keeping one line per block element.
func PlainText(body string) string {
	marked := blockBreak.ReplaceAllStringFunc(body, func(tag string) string {
		return tag + "\n"
	})
	text := html.UnescapeString(strictPolicy.Sanitize(marked))

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = strings.TrimSpace(spaceRun.ReplaceAllString(line, " "))
		if line == "" {
			if !blank && len(out) > 0 {
				out = append(out, "")
			}
			blank = true
			continue
		}
		blank = false
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
