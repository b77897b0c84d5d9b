package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"

	"github.com/mahaj/ichat/pkg/archive"
	"github.com/mahaj/ichat/pkg/attachment"
	"github.com/mahaj/ichat/pkg/auth"
	"github.com/mahaj/ichat/pkg/conn"
	"github.com/mahaj/ichat/pkg/model"
	"github.com/mahaj/ichat/pkg/restapi"
)

var (
	selfStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62"))
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	timeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	fileStyle   = lipgloss.NewStyle().Underline(true).Foreground(lipgloss.Color("#AFAFAF"))
	typingStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#888888"))
	infoStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#AFAFAF"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	titleStyle  = lipgloss.NewStyle().Bold(true).Underline(true).Foreground(lipgloss.Color("#FFFDF5"))

	statusStyles = map[conn.Status]lipgloss.Style{
		conn.StatusOnline:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		conn.StatusConnecting: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		conn.StatusOffline:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

func renderMessage(m model.Message) string {
	name := peerStyle.Render(m.From)
	if m.IsSelf {
		name = selfStyle.Render("You")
	}
	var b strings.Builder
	if !m.Time.IsZero() {
		b.WriteString(timeStyle.Render(m.Time.Local().Format("15:04")))
		b.WriteByte(' ')
	}
	b.WriteString(name)
	b.WriteString(": ")
	b.WriteString(m.Text)
	if m.HasAttachment() {
		if m.Text != "" {
			b.WriteByte(' ')
		}
		b.WriteString(renderAttachment(*m.Attachment))
	}
	return b.String()
}

func renderAttachment(att model.Attachment) string {
	label := attachment.Label(att)
	if _, data, err := attachment.Decode(att.Payload); err == nil {
		label = fmt.Sprintf("%s, %s", label, humanize.Bytes(uint64(len(data))))
	}
	return fileStyle.Render(fmt.Sprintf("[%s: %s]", attachment.KindOf(att), label))
}

func renderTyping(who string) string {
	return typingStyle.Render(who + " is typing...")
}

func renderStatus(user string, s conn.Status) string {
	return fmt.Sprintf("%s %s", selfStyle.Render(user), statusStyles[s].Render("● "+string(s)))
}

func renderSession(s model.HistorySession) string {
	when := "unknown"
	if !s.LastActivity.IsZero() {
		when = humanize.Time(s.LastActivity)
	}
	return fmt.Sprintf("%s  %s  %s", selfStyle.Render(s.ID), timeStyle.Render(when), archive.Preview(s))
}

// describe turns an error into the one line shown to the user.
func describe(err error) string {
	var ae *auth.AuthError
	var se *restapi.StatusError
	var fe *conn.FatalError
	switch {
	case errors.As(err, &ae):
		return ae.Message
	case errors.As(err, &fe):
		return "session rejected by the server, log in again"
	case restapi.IsNetwork(err):
		return "cannot reach the chat server"
	case errors.As(err, &se) && se.Message != "":
		return se.Message
	}
	return err.Error()
}
