// Package report renders dashboards and pending proposals for the terminal.
package report

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"allocator/internal/aggregate"
	"allocator/internal/core"
)

// Renderer holds styles bound to one output. Colours are dropped when the
// output is not a terminal.
type Renderer struct {
	title    lipgloss.Style
	label    lipgloss.Style
	value    lipgloss.Style
	positive lipgloss.Style
	negative lipgloss.Style
	muted    lipgloss.Style
	box      lipgloss.Style
}

func New(w io.Writer) *Renderer {
	r := lipgloss.NewRenderer(w)
	return &Renderer{
		title:    r.NewStyle().Foreground(lipgloss.Color("#87CEEB")).Bold(true),
		label:    r.NewStyle().Foreground(lipgloss.Color("#9CA3AF")),
		value:    r.NewStyle().Foreground(lipgloss.Color("#D1D5DB")).Bold(true),
		positive: r.NewStyle().Foreground(lipgloss.Color("#34D399")).Bold(true),
		negative: r.NewStyle().Foreground(lipgloss.Color("#F87171")).Bold(true),
		muted:    r.NewStyle().Foreground(lipgloss.Color("#6B7280")),
		box:      r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#4B5563")).Padding(0, 1),
	}
}

// Money formats v with two decimals and thousands separators.
func Money(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	whole, frac, _ := strings.Cut(fmt.Sprintf("%.2f", core.RoundCents(v)), ".")
	var b strings.Builder
	for i, d := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(d)
	}
	return sign + b.String() + "." + frac
}

// Dashboard renders the totals box followed by the breakdown tables.
func (r *Renderer) Dashboard(sum aggregate.Summary) string {
	net := r.positive
	if sum.NetRemaining < 0 {
		net = r.negative
	}
	totals := []string{
		r.title.Render("Budget " + sum.FrequencyLabel),
		r.line("Income", r.value.Render(Money(sum.TotalIncome))),
		r.line("Expenses", r.value.Render(Money(sum.TotalExpenses))),
		r.line("Remaining", net.Render(Money(sum.NetRemaining))),
	}
	if sum.PendingProposals > 0 {
		totals = append(totals, r.muted.Render(fmt.Sprintf("%d split proposal(s) waiting for you", sum.PendingProposals)))
	}

	sections := []string{r.box.Render(lipgloss.JoinVertical(lipgloss.Left, totals...))}
	if len(sum.ByAccount) > 0 {
		sections = append(sections, r.breakdown("By account", sum.ByAccount))
	}
	if len(sum.ByCategory) > 0 {
		sections = append(sections, r.breakdown("By category", sum.ByCategory))
	}
	if len(sum.BySplitParticipant) > 0 {
		rows := make([]aggregate.Breakdown, 0, len(sum.BySplitParticipant))
		for _, p := range sum.BySplitParticipant {
			name := p.Name
			if name == "" {
				name = p.UserID
			}
			rows = append(rows, aggregate.Breakdown{ID: p.UserID, Name: name, Amount: p.Amount, Percentage: p.Percentage})
		}
		sections = append(sections, r.breakdown("By participant", rows))
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...) + "\n"
}

func (r *Renderer) line(label, value string) string {
	return r.label.Width(12).Render(label) + value
}

func (r *Renderer) breakdown(title string, rows []aggregate.Breakdown) string {
	nameWidth := 0
	for _, row := range rows {
		nameWidth = max(nameWidth, lipgloss.Width(row.Name))
	}
	lines := []string{r.title.Render(title)}
	for _, row := range rows {
		lines = append(lines, fmt.Sprintf("  %s %s %s",
			r.label.Width(nameWidth).Render(row.Name),
			r.value.Width(12).Align(lipgloss.Right).Render(Money(row.Amount)),
			r.muted.Render(fmt.Sprintf("%5.1f%%", row.Percentage))))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

// Proposal is a pending proposal with the names to show for it.
type Proposal struct {
	core.SplitProposal
	ExpenseName string
	FromName    string
}

// Proposals lists pending proposals, one per line, with their ids so they
// can be accepted or rejected.
func (r *Renderer) Proposals(ps []Proposal) string {
	if len(ps) == 0 {
		return r.muted.Render("No pending split proposals.") + "\n"
	}
	lines := []string{r.title.Render(fmt.Sprintf("Pending split proposals (%d)", len(ps)))}
	for _, p := range ps {
		from := p.FromName
		if from == "" {
			from = p.FromUser
		}
		expense := p.ExpenseName
		if expense == "" {
			expense = p.ExpenseID
		}
		lines = append(lines, fmt.Sprintf("  %s  %s asks you to take %s of %s (%s)",
			r.muted.Render(p.ID),
			r.value.Render(from),
			r.value.Render(fmt.Sprintf("%d%%", core.Percent(p.SuggestedRatio))),
			r.value.Render(expense),
			Money(p.SuggestedAmount)))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...) + "\n"
}

// Conversion renders "amount from = result to".
func (r *Renderer) Conversion(amount float64, from string, result float64, to core.Frequency) string {
	return fmt.Sprintf("%s %s = %s %s\n",
		r.value.Render(Money(amount)), r.label.Render(from),
		r.positive.Render(Money(result)), r.label.Render(to.DisplayName()))
}
