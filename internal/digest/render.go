package digest

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"InboxDigest/internal/domain"
)

// Category is one configured digest section.
type Category struct {
	Key     string
	Label   string
	Sources []string
}

// Section is a rendered category bucket. Empty sections are kept so a silent source shows
// up as an empty heading rather than disappearing.
type Section struct {
	Key   string
	Label string
	Items []domain.Item
}

const catchAllKey = "other"

// Group buckets items by source key into the configured categories. Item order inside a
// section follows the input order.
func Group(items []domain.Item, categories []Category, catchAllLabel string) []Section {
	sections := make([]Section, 0, len(categories)+1)
	index := map[string]int{}
	for _, cat := range categories {
		sections = append(sections, Section{Key: cat.Key, Label: cat.Label})
		for _, src := range cat.Sources {
			if _, taken := index[src]; !taken {
				index[src] = len(sections) - 1
			}
		}
	}

	if catchAllLabel == "" {
		catchAllLabel = "Other"
	}
	catchAll := Section{Key: catchAllKey, Label: catchAllLabel}

	for _, item := range items {
		if i, ok := index[item.SourceKey]; ok {
			sections[i].Items = append(sections[i].Items, item)
			continue
		}
		catchAll.Items = append(catchAll.Items, item)
	}

	if len(catchAll.Items) > 0 || len(categories) == 0 {
		sections = append(sections, catchAll)
	}
	return sections
}

type reportView struct {
	Title       string
	GeneratedAt time.Time
	Total       int
	Urgent      int
	Sections    []Section
	Readings    []domain.Reading
}

var reportTemplate = template.Must(template.New("digest").Funcs(template.FuncMap{
	"marker":  urgencyMarker,
	"excerpt": excerpt,
	"when":    func(t time.Time) string { return t.UTC().Format("Jan 2 15:04 UTC") },
}).Parse(`# {{ .Title }}

Generated {{ when .GeneratedAt }}: {{ .Total }} items, {{ .Urgent }} urgent.
{{ range .Sections }}
## {{ .Label }} ({{ len .Items }})
{{ if not .Items }}
_Nothing new._
{{ else }}
{{ range .Items }}- {{ marker . }} **{{ .Subject }}** from {{ .Sender }} ({{ when .ReceivedAt }})
  {{ with .Classification }}{{ .Intent }}, {{ .Urgency }}{{ if .HighRisk }}, HIGH RISK{{ end }}: {{ .Reason }}{{ end }}
{{ with excerpt . }}  > {{ . }}
{{ end }}{{ if .LinkURL }}  {{ .LinkURL }}
{{ end }}{{ end }}{{ end }}{{ end }}
{{- if .Readings }}
## Readings
{{ range .Readings }}
- {{ .Name }}: {{ .Current }} (target {{ .Target }}, {{ .Mode }}){{ with .LastUpdated }}, updated {{ . }}{{ end }}
{{- end }}
{{ end }}`))

// Render produces the markdown report.
func Render(title string, generatedAt time.Time, sections []Section, readings []domain.Reading) (string, error) {
	view := reportView{Title: title, GeneratedAt: generatedAt, Sections: sections, Readings: readings}
	for _, s := range sections {
		view.Total += len(s.Items)
		for _, item := range s.Items {
			if item.Urgent() {
				view.Urgent++
			}
		}
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render digest: %w", err)
	}
	return buf.String(), nil
}

func urgencyMarker(item domain.Item) string {
	if item.Classification == nil {
		return "[ ]"
	}
	switch item.Classification.Urgency {
	case domain.UrgencyHigh:
		return "[!!]"
	case domain.UrgencyMedium:
		return "[!]"
	default:
		return "[-]"
	}
}

// excerptLimit counts runes.
const excerptLimit = 280

func excerpt(item domain.Item) string {
	text := item.ResolvedBody
	if text == "" {
		text = item.Body
	}
	text = strings.Join(strings.Fields(text), " ")
	rs := []rune(text)
	if len(rs) <= excerptLimit {
		return text
	}
	head := string(rs[:excerptLimit])
	if cut := strings.LastIndexByte(head, ' '); cut > 0 {
		head = head[:cut]
	}
	return head + "..."
}
