package dispatch

import (
	"regexp"

	"github.com/lalithlochan/dunning/internal/db"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// Render substitutes {{name}} placeholders from vars. Unknown placeholders
// are left as written.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 {
		return text
	}
	return placeholder.ReplaceAllStringFunc(text, func(m string) string {
		name := placeholder.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// RenderMessage applies Render to subject and text.
func RenderMessage(msg db.Message, vars map[string]string) db.Message {
	return db.Message{
		Subject: Render(msg.Subject, vars),
		Text:    Render(msg.Text, vars),
	}
}
