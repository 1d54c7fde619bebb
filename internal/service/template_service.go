// internal/service/template_service.go
package service

import (
	"html"
	"regexp"
	"strings"

	"github.com/unclebandit/campaign-mailer/internal/model"
)

var mergeTag = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*(\|[^{}]*)?\}\}|\{([a-zA-Z0-9_.]+)\}`)

// RenderTemplate replaces {{tag}}, {{tag|default}} and {tag} merge fields.
// A tag that is missing or empty takes its default; without one, unknown tags
// are left as written.
func RenderTemplate(template string, data map[string]string) string {
	return renderTags(template, data, nil)
}

// RenderHTMLTemplate is RenderTemplate for HTML bodies: merged values are
// escaped so subscriber data cannot add markup. Defaults are template text and
// are kept as written.
func RenderHTMLTemplate(template string, data map[string]string) string {
	return renderTags(template, data, html.EscapeString)
}

func renderTags(template string, data map[string]string, escape func(string) string) string {
	return mergeTag.ReplaceAllStringFunc(template, func(m string) string {
		parts := mergeTag.FindStringSubmatch(m)
		key := parts[1]
		if key == "" {
			key = parts[3]
		}
		v, ok := data[strings.ToLower(key)]
		if parts[2] != "" && strings.TrimSpace(v) == "" {
			return strings.TrimSpace(parts[2][1:])
		}
		if !ok {
			return m
		}
		if escape != nil {
			return escape(v)
		}
		return v
	})
}

// MergeData builds the merge fields for one subscriber. Meta keys are also
// reachable as meta.<key>.
func MergeData(sub *model.Subscriber) map[string]string {
	data := map[string]string{}
	for k, v := range sub.Meta {
		data[strings.ToLower(k)] = v
		data["meta."+strings.ToLower(k)] = v
	}
	first, last, _ := strings.Cut(strings.TrimSpace(sub.Name), " ")
	data["name"] = sub.Name
	data["first_name"] = first
	data["last_name"] = strings.TrimSpace(last)
	data["email"] = sub.Email
	return data
}
