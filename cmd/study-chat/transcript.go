package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/lipgloss"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/study-chat/pkg/persistence/studystore"
)

func newTranscriptCommand() *cobra.Command {
	var copyOut bool
	cmd := &cobra.Command{
		Use:   "transcript <conversation-id>",
		Short: "Print a stored conversation, optionally copying it to the clipboard",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openPersistentStore(globals.GetString("db"))
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			ctx := cmd.Context()
			conv, ok, err := store.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return errors.Wrapf(studystore.ErrNotFound, "conversation %s", args[0])
			}
			msgs, err := store.ListMessages(ctx, conv.ID)
			if err != nil {
				return err
			}

			if err := writeTranscript(cmd.OutOrStdout(), conv, msgs); err != nil {
				return err
			}
			if copyOut {
				if err := clipboard.WriteAll(plainTranscript(msgs)); err != nil {
					return errors.Wrap(err, "copy transcript")
				}
				log.Info().Int("messages", len(msgs)).Msg("transcript copied to clipboard")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&copyOut, "copy", false, "also copy the plain transcript to the clipboard")
	return cmd
}

var (
	headerStyle      = lipgloss.NewStyle().Bold(true)
	participantStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	assistantStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
)

func roleLabel(r studystore.Role) string {
	if r == studystore.RoleParticipant {
		return "You"
	}
	return "AI"
}

func conversationStatus(c studystore.Conversation) string {
	switch {
	case c.TimedOut:
		return "timed out"
	case c.CompletedNormally:
		return "ended early"
	case c.Closed():
		return "closed"
	default:
		return "open"
	}
}

func writeTranscript(w io.Writer, c studystore.Conversation, msgs []studystore.Message) error {
	var b strings.Builder
	b.WriteString(headerStyle.Render("Conversation "+c.ID) + "\n")
	fmt.Fprintf(&b, "participant %s  scenario %s (%s)  started %s  %s",
		c.ParticipantID, c.ScenarioID, c.Category, c.StartTime.Format(time.RFC3339), conversationStatus(c))
	if c.DurationMs != nil {
		fmt.Fprintf(&b, " after %s", time.Duration(*c.DurationMs)*time.Millisecond)
	}
	fmt.Fprintf(&b, "  %d exchanges\n\n", c.InteractionCount)

	for _, m := range msgs {
		style := assistantStyle
		if m.Role == studystore.RoleParticipant {
			style = participantStyle
		}
		fmt.Fprintf(&b, "%s %s\n%s\n\n", style.Render(roleLabel(m.Role)+":"), m.Timestamp.Format("15:04:05"), m.Content)
	}
	_, err := io.WriteString(w, b.String())
	return err
}

// plainTranscript is the clipboard format: one "Role: text" block per message.
func plainTranscript(msgs []studystore.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		parts = append(parts, roleLabel(m.Role)+": "+m.Content)
	}
	return strings.Join(parts, "\n\n")
}
