// Package core holds the value types of the allocator: frequencies, the
// household record model and the error taxonomy shared by every layer.
//
// This file contains the frequency model. Every recurring amount is
// reduced to a monthly-equivalent factor (average occurrences per month)
// so that amounts of any two frequencies can be compared or converted.
package core

import (
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Period is one of the fixed calendar frequencies.
type Period string

const (
	Daily     Period = "daily"
	Weekly    Period = "weekly"
	Biweekly  Period = "biweekly"
	Monthly   Period = "monthly"
	Quarterly Period = "quarterly"
	Yearly    Period = "yearly"
)

// Unit is the calendar unit of a custom "every N units" frequency.
type Unit string

const (
	Day   Unit = "day"
	Week  Unit = "week"
	Month Unit = "month"
	Year  Unit = "year"
)

// Monthly factors of the fixed periods.
var periodFactors = map[Period]float64{
	Daily:     30.4375,
	Weekly:    4.34524,
	Biweekly:  2.17262,
	Monthly:   1,
	Quarterly: 1.0 / 3.0,
	Yearly:    1.0 / 12.0,
}

// unitPeriods maps a custom unit onto the fixed period with the same base.
var unitPeriods = map[Unit]Period{
	Day:   Daily,
	Week:  Weekly,
	Month: Monthly,
	Year:  Yearly,
}

var periodLabels = map[Period]string{
	Daily:     "Daily",
	Weekly:    "Weekly",
	Biweekly:  "Bi-Weekly",
	Monthly:   "Monthly",
	Quarterly: "Quarterly",
	Yearly:    "Yearly",
}

var (
	periodAliases = map[string]Period{
		"daily":       Daily,
		"weekly":      Weekly,
		"biweekly":    Biweekly,
		"bi-weekly":   Biweekly,
		"fortnightly": Biweekly,
		"monthly":     Monthly,
		"quarterly":   Quarterly,
		"yearly":      Yearly,
		"annually":    Yearly,
	}

	everyPattern = regexp.MustCompile(`^every\s+(\d+)\s+(day|week|month|year)s?$`)
)

// Frequency is either a fixed Period or a custom "every Count Unit".
// The zero value is not valid; build values with Fixed, Custom or ParseFrequency.
type Frequency struct {
	period Period
	count  int
	unit   Unit
}

// Fixed returns the frequency of a fixed calendar period.
func Fixed(p Period) Frequency {
	return Frequency{period: p}
}

// Custom returns an "every count unit" frequency.
func Custom(count int, unit Unit) (Frequency, error) {
	if count < 1 {
		return Frequency{}, &ValidationError{Field: "frequency", Reason: "count must be a positive integer"}
	}
	if _, ok := unitPeriods[unit]; !ok {
		return Frequency{}, &ValidationError{Field: "frequency", Reason: fmt.Sprintf("unknown unit %q", unit)}
	}
	return Frequency{count: count, unit: unit}, nil
}

// IsCustom reports whether f is an "every N units" frequency.
func (f Frequency) IsCustom() bool { return f.count > 0 }

// Period returns the fixed period, empty for custom frequencies.
func (f Frequency) Period() Period { return f.period }

// Count returns N of a custom frequency, 0 for fixed ones.
func (f Frequency) Count() int { return f.count }

// Unit returns the unit of a custom frequency, empty for fixed ones.
func (f Frequency) Unit() Unit { return f.unit }

// IsZero reports whether f was never initialised.
func (f Frequency) IsZero() bool { return f.period == "" && f.count == 0 }

// MonthlyFactor returns the average number of occurrences per month.
// Unknown or zero frequencies count as monthly.
func (f Frequency) MonthlyFactor() float64 {
	if f.IsCustom() {
		return periodFactors[unitPeriods[f.unit]] / float64(f.count)
	}
	if factor, ok := periodFactors[f.period]; ok {
		return factor
	}
	return 1
}

// String returns the canonical descriptor, which ParseFrequency accepts back.
func (f Frequency) String() string {
	if f.IsCustom() {
		return fmt.Sprintf("every %d %s", f.count, pluralUnit(f.unit, f.count))
	}
	if f.period == "" {
		return string(Monthly)
	}
	return string(f.period)
}

// DisplayName returns the human label shown next to converted amounts.
func (f Frequency) DisplayName() string {
	if f.IsCustom() {
		return fmt.Sprintf("Every %d %s", f.count, pluralUnit(f.unit, f.count))
	}
	if label, ok := periodLabels[f.period]; ok {
		return label
	}
	return "Custom"
}

func pluralUnit(u Unit, n int) string {
	if n == 1 {
		return string(u)
	}
	return string(u) + "s"
}

// ParseFrequency recognises the fixed names (case-insensitive, with the
// bi-weekly/fortnightly and annually aliases) and "every N unit(s)".
// On failure it returns Fixed(Monthly) together with a *ParseError so that
// callers wanting the forgiving policy can keep the value.
func ParseFrequency(descriptor string) (Frequency, error) {
	s := strings.Join(strings.Fields(strings.ToLower(descriptor)), " ")

	if p, ok := periodAliases[s]; ok {
		return Fixed(p), nil
	}

	if m := everyPattern.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err == nil && n > 0 {
			return Frequency{count: n, unit: Unit(m[2])}, nil
		}
	}

	return Fixed(Monthly), &ParseError{Input: descriptor}
}

// ResolveFrequency is the lenient parse used for display and aggregation:
// unrecognised descriptors are logged and treated as monthly.
func ResolveFrequency(descriptor string) Frequency {
	f, err := ParseFrequency(descriptor)
	if err != nil {
		slog.Warn("Could not parse frequency, defaulting to monthly",
			"component", "frequency",
			"frequency", descriptor)
	}
	return f
}

// Convert re-expresses amount, recurring at from, as an amount recurring at to.
func Convert(amount float64, from, to Frequency) float64 {
	return amount * from.MonthlyFactor() / to.MonthlyFactor()
}

// ConvertDescriptors is Convert over unparsed descriptors, using the lenient policy.
func ConvertDescriptors(amount float64, from, to string) float64 {
	return Convert(amount, ResolveFrequency(from), ResolveFrequency(to))
}
