package dispatch

import (
	"bytes"
	"embed"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"

	"leadpilot/models"
)

//go:embed templates/*.tmpl
var defaultTemplates embed.FS

var triggers = []models.TriggerType{models.TriggerNewLead, models.TriggerFollowUp3d, models.TriggerFollowUp7d}

// MessageData is what templates and the message generator see of a lead.
type MessageData struct {
	ContactName  string
	FirstName    string
	PropertyType string
	Location     string
	PriceDisplay string
	Trigger      models.TriggerType
	Channel      models.Channel
}

func NewMessageData(lead *models.Lead, trigger models.TriggerType, channel models.Channel) MessageData {
	first := ""
	if fields := strings.Fields(lead.ContactName); len(fields) > 0 {
		first = fields[0]
	}
	return MessageData{
		ContactName:  lead.ContactName,
		FirstName:    first,
		PropertyType: lead.PropertyType,
		Location:     lead.Location,
		PriceDisplay: lead.PriceDisplay,
		Trigger:      trigger,
		Channel:      channel,
	}
}

// Content is a rendered message. Subject is only used by email.
type Content struct {
	Subject string
	Body    string
}

// Renderer fills the per-trigger templates. Each template defines "subject" and "body".
type Renderer struct {
	tmpls map[models.TriggerType]*template.Template
}

// NewRenderer loads the built-in templates, then overrides any trigger that has a
// <trigger>.tmpl file in dir. An empty or missing dir keeps the defaults.
func NewRenderer(dir string) (*Renderer, error) {
	r := &Renderer{tmpls: make(map[models.TriggerType]*template.Template, len(triggers))}

	for _, trig := range triggers {
		name := string(trig) + ".tmpl"

		t, err := template.ParseFS(defaultTemplates, "templates/"+name)
		if err != nil {
			return nil, eris.Wrapf(err, "parse built-in template %s", name)
		}

		if dir != "" {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				t, err = template.ParseFiles(path)
				if err != nil {
					return nil, eris.Wrapf(err, "parse template %s", path)
				}
			}
		}

		if t.Lookup("subject") == nil || t.Lookup("body") == nil {
			return nil, eris.Errorf("template %s must define subject and body", name)
		}
		r.tmpls[trig] = t
	}
	return r, nil
}

func (r *Renderer) Render(trigger models.TriggerType, data MessageData) (Content, error) {
	t, ok := r.tmpls[trigger]
	if !ok {
		return Content{}, eris.Errorf("no template for trigger %s", trigger)
	}

	var subject, body bytes.Buffer
	if err := t.ExecuteTemplate(&subject, "subject", data); err != nil {
		return Content{}, eris.Wrapf(err, "render %s subject", trigger)
	}
	if err := t.ExecuteTemplate(&body, "body", data); err != nil {
		return Content{}, eris.Wrapf(err, "render %s body", trigger)
	}
	return Content{
		Subject: strings.TrimSpace(subject.String()),
		Body:    strings.TrimSpace(body.String()),
	}, nil
}
