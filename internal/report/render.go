package report

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/cellgrade/internal/domain"
)

// Theme holds the styles of the text rendering
type Theme struct {
	Title    lipgloss.Style
	Pass     lipgloss.Style
	Fail     lipgloss.Style
	Error    lipgloss.Style
	Muted    lipgloss.Style
	Solution lipgloss.Style
}

// DefaultTheme returns the coloured theme
func DefaultTheme() Theme {
	mint := lipgloss.Color("#67F0A8")
	brick := lipgloss.Color("#FF6F91")
	amber := lipgloss.Color("#FFC857")
	blue := lipgloss.Color("#5EEBFF")
	grey := lipgloss.Color("#8892A6")

	return Theme{
		Title:    lipgloss.NewStyle().Foreground(blue).Bold(true),
		Pass:     lipgloss.NewStyle().Foreground(mint).Bold(true),
		Fail:     lipgloss.NewStyle().Foreground(brick).Bold(true),
		Error:    lipgloss.NewStyle().Foreground(amber).Bold(true),
		Muted:    lipgloss.NewStyle().Foreground(grey),
		Solution: lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(blue).Padding(0, 1),
	}
}

// PlainTheme returns a theme without any styling
func PlainTheme() Theme {
	plain := lipgloss.NewStyle()
	return Theme{Title: plain, Pass: plain, Fail: plain, Error: plain, Muted: plain, Solution: plain}
}

// RenderText renders a report for a terminal
func RenderText(rep *Report, theme Theme) string {
	var b strings.Builder

	title := rep.Exercise
	if title == "" {
		title = "cell"
	}
	fmt.Fprintf(&b, "%s  %s\n", theme.Title.Render(title), theme.Muted.Render(string(rep.Status)))

	if rep.Error != nil {
		fmt.Fprintf(&b, "%s %s\n", theme.Error.Render(rep.Error.Kind+":"), rep.Error.Message)
		if rep.Error.More > 0 {
			fmt.Fprintf(&b, "%s\n", theme.Muted.Render(fmt.Sprintf("(%d more)", rep.Error.More)))
		}
		fmt.Fprintf(&b, "%s\n", theme.Muted.Render(rep.Summary))
		return b.String()
	}

	for _, c := range rep.Cases {
		fmt.Fprintf(&b, "  %s %s\n", outcomeLabel(c.Outcome, theme), c.TestID)
		if c.Outcome == domain.OutcomePass {
			continue
		}
		if c.Message != "" {
			fmt.Fprintf(&b, "%s\n", indent(c.Message, "      "))
		}
		if c.Stdout != "" {
			fmt.Fprintf(&b, "      %s\n%s\n", theme.Muted.Render("stdout:"), indent(strings.TrimRight(c.Stdout, "\n"), "        "))
		}
		if c.Stderr != "" {
			fmt.Fprintf(&b, "      %s\n%s\n", theme.Muted.Render("stderr:"), indent(strings.TrimRight(c.Stderr, "\n"), "        "))
		}
	}

	summary := theme.Pass
	if rep.NotPassed > 0 {
		summary = theme.Fail
	}
	fmt.Fprintf(&b, "%s %s\n", summary.Render(rep.Summary),
		theme.Muted.Render(fmt.Sprintf("(attempt %d, %s)", rep.Attempts, rep.Duration())))

	switch {
	case rep.SolutionRevealed:
		fmt.Fprintf(&b, "%s\n%s\n", theme.Title.Render("Reference solution"), theme.Solution.Render(strings.TrimRight(rep.Solution, "\n")))
	case rep.Placeholder != "":
		fmt.Fprintf(&b, "%s\n", theme.Muted.Render(rep.Placeholder))
	}
	return b.String()
}

// RenderMarkdown renders a report as markdown
func RenderMarkdown(rep *Report) string {
	var b strings.Builder

	name := rep.Exercise
	if name == "" {
		name = "cell"
	}
	fmt.Fprintf(&b, "## %s: %s\n\n", name, rep.Summary)

	if rep.Error != nil {
		fmt.Fprintf(&b, "**%s**\n\n```\n%s\n```\n", rep.Error.Kind, rep.Error.Message)
		return b.String()
	}

	b.WriteString("| Test | Outcome |\n|---|---|\n")
	for _, c := range rep.Cases {
		fmt.Fprintf(&b, "| `%s` | %s |\n", c.TestID, c.Outcome)
	}

	for _, c := range rep.Cases {
		if c.Outcome == domain.OutcomePass {
			continue
		}
		fmt.Fprintf(&b, "\n### `%s` (%s)\n\n```\n%s\n```\n", c.TestID, c.Outcome, strings.TrimRight(c.Message, "\n"))
		if c.Stdout != "" {
			fmt.Fprintf(&b, "\nstdout:\n\n```\n%s\n```\n", strings.TrimRight(c.Stdout, "\n"))
		}
	}

	switch {
	case rep.SolutionRevealed:
		fmt.Fprintf(&b, "\n### Reference solution\n\n```go\n%s\n```\n", strings.TrimRight(rep.Solution, "\n"))
	case rep.Placeholder != "":
		fmt.Fprintf(&b, "\n_%s_\n", rep.Placeholder)
	}
	return b.String()
}

// RenderPretty renders the markdown form for a terminal with glamour
func RenderPretty(rep *Report, width int) (string, error) {
	if width <= 0 {
		width = 78
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("create markdown renderer: %w", err)
	}
	return r.Render(RenderMarkdown(rep))
}

func outcomeLabel(o domain.Outcome, theme Theme) string {
	switch o {
	case domain.OutcomePass:
		return theme.Pass.Render("PASS ")
	case domain.OutcomeFail:
		return theme.Fail.Render("FAIL ")
	default:
		return theme.Error.Render("ERROR")
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = prefix + l
	}
	return strings.Join(lines, "\n")
}
