package firewall

import (
	"bytes"
	"fmt"
	"text/template"
)

// DefaultNoteTemplate renders the note attached to every block rule.
const DefaultNoteTemplate = "ThreatPilot Block ({{.Severity}})"

// NoteData holds variables available in the rule note template.
type NoteData struct {
	Identifier string
	Severity   string
	Kind       string // "temporary" or "permanent"
}

// Namer renders the Go-template note string for created block rules.
type Namer struct {
	noteTmpl *template.Template
}

// NewNamer parses and validates the note template. Empty selects the default.
func NewNamer(noteTmpl string) (*Namer, error) {
	if noteTmpl == "" {
		noteTmpl = DefaultNoteTemplate
	}
	nt, err := template.New("note").Option("missingkey=error").Parse(noteTmpl)
	if err != nil {
		return nil, fmt.Errorf("RULE_NOTE_TEMPLATE: %w", err)
	}
	// Dry-run against sample data so bad field references fail at startup.
	if _, err := render(nt, NoteData{Identifier: "192.0.2.1", Severity: "low", Kind: "temporary"}); err != nil {
		return nil, fmt.Errorf("RULE_NOTE_TEMPLATE: %w", err)
	}
	return &Namer{noteTmpl: nt}, nil
}

// Note renders the rule note for the given data.
func (n *Namer) Note(d NoteData) (string, error) {
	return render(n.noteTmpl, d)
}

func render(tmpl *template.Template, data NoteData) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render template %q: %w", tmpl.Name(), err)
	}
	return buf.String(), nil
}

// Kind returns the block kind label for a duration in hours.
func Kind(hours int) string {
	if hours > 0 {
		return "temporary"
	}
	return "permanent"
}
