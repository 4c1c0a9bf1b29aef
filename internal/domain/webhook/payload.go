package webhook

import (
	"fmt"

	"github.com/Strob0t/sentry-webhooks/internal/domain/issue"
)

// Fixed payload values.
const (
	PayloadText    = "New Sentry Issue"
	IconEmoji      = ":ghost:"
	AttachFallback = "Your code is bad and you should feel bad"
	AttachText     = "A new error has been reported"
	ColorDanger    = "danger"
	URLFieldTitle  = "url"
)

// Payload formats.
const (
	FormatSlack = "slack"
	FormatGroup = "group"
)

// Payload is the Slack-compatible message posted to every callback URL.
type Payload struct {
	Text        string       `json:"text"`
	Channel     string       `json:"channel"`
	Username    string       `json:"username"`
	IconEmoji   string       `json:"icon_emoji"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a single coloured block of the message.
type Attachment struct {
	Fallback string  `json:"fallback"`
	Text     string  `json:"text"`
	Color    string  `json:"color"`
	Fields   []Field `json:"fields"`
}

// Field is a title/value pair rendered inside an attachment.
type Field struct {
	Title string `json:"title"`
	Value string `json:"value"`
}

// BuildPayload renders the message for a new issue. Missing values are sent
// as empty strings so the document shape never changes.
func BuildPayload(group *issue.Group, event *issue.Event, opts Options) Payload {
	return Payload{
		Text:      PayloadText,
		Channel:   opts.Channel,
		Username:  opts.Username,
		IconEmoji: IconEmoji,
		Attachments: []Attachment{
			{
				Fallback: AttachFallback,
				Text:     AttachText,
				Color:    ColorDanger,
				Fields: []Field{
					{Title: group.Project.Name, Value: event.Message},
					{Title: URLFieldTitle, Value: group.URL},
				},
			},
		},
	}
}

// GroupData is the raw group document, an alternative to the chat payload
// for receivers that want structured issue data.
type GroupData struct {
	ID          string         `json:"id"`
	Checksum    string         `json:"checksum"`
	Project     string         `json:"project"`
	ProjectName string         `json:"project_name"`
	Logger      string         `json:"logger"`
	Level       string         `json:"level"`
	Culprit     string         `json:"culprit"`
	Message     string         `json:"message"`
	URL         string         `json:"url"`
	Event       map[string]any `json:"event"`
}

// BuildGroupData renders the structured group document.
func BuildGroupData(group *issue.Group, event *issue.Event) GroupData {
	data := make(map[string]any, len(event.Data))
	for k, v := range event.Data {
		data[k] = v
	}
	return GroupData{
		ID:          group.ID,
		Checksum:    group.Checksum,
		Project:     group.Project.Slug,
		ProjectName: group.Project.Name,
		Logger:      group.Logger,
		Level:       group.Level,
		Culprit:     group.Culprit,
		Message:     event.Message,
		URL:         group.URL,
		Event:       data,
	}
}

// Build returns the document for the given format.
func Build(format string, group *issue.Group, event *issue.Event, opts Options) (any, error) {
	switch format {
	case "", FormatSlack:
		return BuildPayload(group, event, opts), nil
	case FormatGroup:
		return BuildGroupData(group, event), nil
	default:
		return nil, fmt.Errorf("unknown payload format %q", format)
	}
}
