// Package render produces the HTML fragments pushed to live viewers. The
// markup matches what the page templates emit so htmx can swap fragments in
// place by element id.
package render

import (
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"chatd/internal/live"
	"chatd/internal/store"
)

// NoTimestampError means a message id carries no embedded creation time.
// Message ids are time-ordered UUIDs; anything else cannot be rendered.
type NoTimestampError struct {
	ID uuid.UUID
}

func (e *NoTimestampError) Error() string {
	return fmt.Sprintf("render: no timestamp derivable from message id %s (version %s)", e.ID, e.ID.Version())
}

const messageTemplate = `<li id="msg-{{.ID}}" class="group chat {{if .IsAuthor}}chat-end{{else}}chat-start{{end}}"{{if .SwapOOB}} hx-swap-oob="true"{{end}}>` +
	`<div class="chat-header">` +
	`{{if .Edited}}<span class="italic text-xs opacity-50">Edited </span>{{end}}` +
	`{{.AuthorName}} ` +
	`<time class="text-xs opacity-50" datetime="{{.Created}}">{{.CreatedRelative}}</time>` +
	`</div>` +
	`<div class="chat-bubble{{if .IsAuthor}} chat-bubble-primary{{end}}">{{.Content}}</div>` +
	`<div class="chat-footer transition-opacity" hx-target="closest li" hx-swap="outerHTML">` +
	`{{if .IsAuthor}}<button class="link mr-2 opacity-0 group-hover:opacity-100" hx-get="/servers/{{.ServerID}}/channels/{{.ChannelID}}/messages/{{.ID}}/editable">Edit</button>{{end}}` +
	`<button class="link link-error opacity-0 group-hover:opacity-100" hx-delete="/servers/{{.ServerID}}/channels/{{.ChannelID}}/messages/{{.ID}}" hx-confirm="Are you sure?">Delete</button>` +
	`</div>` +
	`</li>`

type messageData struct {
	ID              uuid.UUID
	ServerID        uuid.UUID
	ChannelID       uuid.UUID
	AuthorName      string
	Content         string
	Created         string
	CreatedRelative string
	Edited          bool
	IsAuthor        bool
	SwapOOB         bool
}

// Renderer renders message snippets. Safe for concurrent use by many
// fan-out workers.
type Renderer struct {
	tmpl *template.Template
}

func New() *Renderer {
	return &Renderer{tmpl: template.Must(template.New("message").Parse(messageTemplate))}
}

// Message renders one message as seen by viewer. The author sees their own
// bubble styling plus the edit control; update events carry an out-of-band
// swap marker so htmx replaces the existing element instead of appending.
func (r *Renderer) Message(msg *store.Message, viewer uuid.UUID, topic live.Topic, oob bool) (string, error) {
	created, err := messageTime(msg.ID)
	if err != nil {
		return "", err
	}
	data := messageData{
		ID:              msg.ID,
		ServerID:        topic.ServerID,
		ChannelID:       topic.ChannelID,
		AuthorName:      msg.AuthorName,
		Content:         msg.Content,
		Created:         created.Format(time.RFC3339),
		CreatedRelative: humanize.Time(created),
		Edited:          msg.Updated.After(created),
		IsAuthor:        msg.Author == viewer,
		SwapOOB:         oob,
	}
	var b strings.Builder
	if err := r.tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render message %s: %w", msg.ID, err)
	}
	return b.String(), nil
}

// Deleted renders the removal instruction for a deleted message. It carries
// no content, only the element id htmx should delete.
func (r *Renderer) Deleted(id uuid.UUID) string {
	return fmt.Sprintf(`<li id="msg-%s" hx-swap-oob="delete"></li>`, id)
}

// messageTime extracts the creation time embedded in a time-ordered (v7)
// message id.
func messageTime(id uuid.UUID) (time.Time, error) {
	if id.Version() != 7 {
		return time.Time{}, &NoTimestampError{ID: id}
	}
	sec, nsec := id.Time().UnixTime()
	return time.Unix(sec, nsec).UTC(), nil
}
