package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/kindred/chat-relay/internal/chat"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86")).
			Padding(0, 1)

	selfStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("33"))

	partnerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("214"))

	metaStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	unreadStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

func formatMessage(m chat.Message, self string) string {
	who := partnerStyle.Render(m.SenderID)
	if m.SenderID == self {
		who = selfStyle.Render("you")
	}
	meta := m.CreatedAt.Local().Format(time.Kitchen)
	if m.SenderID == self && m.Read {
		meta += " · read"
	}
	content := m.Content
	if m.Type != "" && m.Type != chat.MessageText {
		content = fmt.Sprintf("[%s] %s", m.Type, m.Content)
	}
	return fmt.Sprintf("%s %s %s", who, content, metaStyle.Render(meta))
}

func formatConversations(convs []chat.Conversation) string {
	if len(convs) == 0 {
		return metaStyle.Render("no conversations yet")
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render("Conversations"))
	b.WriteString("\n")
	for _, c := range convs {
		line := partnerStyle.Render(c.PartnerID)
		if c.PartnerOnline {
			line += " " + selfStyle.Render("●")
		}
		line += " " + metaStyle.Render(c.MatchID)
		if c.UnreadCount > 0 {
			line += " " + unreadStyle.Render(fmt.Sprintf("%d unread", c.UnreadCount))
		}
		if c.LastMessage != nil {
			line += "\n  " + c.LastMessage.Content
		}
		b.WriteString(boxStyle.Render(line))
		b.WriteString("\n")
	}
	return b.String()
}

func formatNotifications(list []chat.Notification, unread int) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("Notifications (%d unread)", unread)))
	b.WriteString("\n")
	if len(list) == 0 {
		b.WriteString(metaStyle.Render("nothing here"))
		return b.String()
	}
	for _, n := range list {
		marker := "  "
		if !n.Read {
			marker = unreadStyle.Render("• ")
		}
		fmt.Fprintf(&b, "%s%s %s %s\n", marker, n.Title, n.Body,
			metaStyle.Render(fmt.Sprintf("%s %s", n.Type, n.ID)))
	}
	return b.String()
}
