package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/ent0n29/gallery/internal/interaction"
)

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("62")).
			Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("212"))

	idStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Italic(true)

	dateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42")).
		Bold(true)

	outcomeStyles = map[interaction.Outcome]lipgloss.Style{
		interaction.OutcomeCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		interaction.OutcomeCancelled: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		interaction.OutcomeFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		interaction.OutcomeAbandoned: lipgloss.NewStyle().Foreground(lipgloss.Color("135")),
	}
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39")).Italic(true)

	blockStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(0, 1)
)

func renderList(w io.Writer, items []interaction.Interaction, pendingOnly bool) {
	noun := "interaction(s)"
	if pendingOnly {
		noun = "pending interaction(s)"
	}
	if len(items) == 0 {
		fmt.Fprintln(w, headerStyle.Render("No "+strings.TrimSuffix(noun, "(s)")+"s found"))
		return
	}
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Found %d %s", len(items), noun)))
	fmt.Fprintln(w)

	tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
	_, _ = fmt.Fprintln(tw, titleStyle.Render("ID")+"\t"+titleStyle.Render("Created")+"\t"+titleStyle.Render("Status")+"\t"+titleStyle.Render("Request")+"\t")
	for _, it := range items {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t\n",
			idStyle.Render(strconv.FormatInt(it.ID, 10)),
			dateStyle.Render(formatCreated(it.CreatedAt, time.Now())),
			status(it),
			truncate(requestSummary(it), 60),
		)
	}
	_ = tw.Flush()
}

func renderInteraction(w io.Writer, it interaction.Interaction) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("Interaction %d", it.ID)))
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Created:"), dateStyle.Render(it.CreatedAt.Format(time.RFC3339)))
	fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Status: "), status(it))
	if it.RequestImageRef != "" {
		fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Image:  "), it.RequestImageRef)
	}
	if it.ErrorDetail != "" {
		fmt.Fprintf(w, "%s %s\n", titleStyle.Render("Error:  "), it.ErrorDetail)
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("Request"))
	fmt.Fprintln(w, blockStyle.Render(orDash(it.RequestText)))
	fmt.Fprintln(w, titleStyle.Render("Response"))
	fmt.Fprintln(w, blockStyle.Render(orDash(it.ResponseText)))
}

func status(it interaction.Interaction) string {
	if it.Pending {
		return pendingStyle.Render("pending")
	}
	outcome := it.Outcome
	if outcome == interaction.OutcomeNone {
		outcome = interaction.OutcomeCompleted
	}
	if style, ok := outcomeStyles[outcome]; ok {
		return style.Render(string(outcome))
	}
	return string(outcome)
}

func requestSummary(it interaction.Interaction) string {
	text := strings.Join(strings.Fields(it.RequestText), " ")
	if it.RequestImageRef != "" {
		if text == "" {
			return "[image]"
		}
		return "[image] " + text
	}
	return text
}

func formatCreated(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	t = t.Local()
	switch diff := now.Sub(t); {
	case diff < 24*time.Hour:
		return t.Format("Today 15:04")
	case diff < 7*24*time.Hour:
		return t.Format("Mon 15:04")
	case diff < 365*24*time.Hour:
		return t.Format("Jan 02 15:04")
	default:
		return t.Format("2006-01-02")
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}
