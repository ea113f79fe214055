// Package cron parses 5-field cron expressions that gate when a scanner pass
// may start.
package cron

import (
	"errors"
	"fmt"
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidExpression is returned for malformed or out-of-range expressions.
var ErrInvalidExpression = errors.New("cron: invalid expression")

// ErrNoMatch is returned when no matching minute exists within a year.
var ErrNoMatch = errors.New("cron: no matching time within one year")

var macros = map[string]string{
	"@hourly":   "0 * * * *",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@weekly":   "0 0 * * 0",
	"@monthly":  "0 0 1 * *",
}

type field struct {
	name     string
	min, max int
}

var fields = [5]field{
	{"minute", 0, 59},
	{"hour", 0, 23},
	{"day-of-month", 1, 31},
	{"month", 1, 12},
	{"day-of-week", 0, 6},
}

// Schedule is a parsed cron expression. Every field is a bit set of the
// allowed values. Times are evaluated in UTC.
type Schedule struct {
	expr   string
	minute uint64
	hour   uint64
	dom    uint64
	month  uint64
	dow    uint64
}

// Parse parses "minute hour day-of-month month day-of-week" or one of the
// @hourly, @daily, @weekly, @monthly macros.
func Parse(expr string) (*Schedule, error) {
	expr = strings.TrimSpace(expr)
	if m, ok := macros[expr]; ok {
		expr = m
	}

	parts := strings.Fields(expr)
	if len(parts) != len(fields) {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidExpression, len(fields), len(parts))
	}

	var masks [5]uint64

	for i, part := range parts {
		mask, err := parseField(part, fields[i])
		if err != nil {
			return nil, fmt.Errorf("%s field: %w", fields[i].name, err)
		}

		masks[i] = mask
	}

	return &Schedule{
		expr:   expr,
		minute: masks[0],
		hour:   masks[1],
		dom:    masks[2],
		month:  masks[3],
		dow:    masks[4],
	}, nil
}

// String returns the normalized expression.
func (s *Schedule) String() string {
	return s.expr
}

// Next returns the first matching minute strictly after from.
func (s *Schedule) Next(from time.Time) (time.Time, error) {
	t := from.UTC().Truncate(time.Minute).Add(time.Minute)
	limit := t.AddDate(1, 0, 1)

	for t.Before(limit) {
		switch {
		case !has(s.month, int(t.Month())):
			t = time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
		case !has(s.dom, t.Day()) || !has(s.dow, int(t.Weekday())):
			t = time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
		case !has(s.hour, t.Hour()):
			t = t.Truncate(time.Hour).Add(time.Hour)
		case !has(s.minute, t.Minute()):
			t = t.Add(time.Minute)
		default:
			return t, nil
		}
	}

	return time.Time{}, ErrNoMatch
}

func has(mask uint64, v int) bool {
	return mask&(1<<uint(v)) != 0
}

func parseField(spec string, f field) (uint64, error) {
	var mask uint64

	for _, item := range strings.Split(spec, ",") {
		lo, hi, step, err := parseItem(item, f)
		if err != nil {
			return 0, err
		}

		for v := lo; v <= hi; v += step {
			mask |= 1 << uint(v)
		}
	}

	if bits.OnesCount64(mask) == 0 {
		return 0, fmt.Errorf("%w: %q selects nothing", ErrInvalidExpression, spec)
	}

	return mask, nil
}

func parseItem(item string, f field) (lo, hi, step int, err error) {
	step = 1
	rangePart, stepPart, hasStep := strings.Cut(item, "/")

	if hasStep {
		step, err = strconv.Atoi(stepPart)
		if err != nil || step <= 0 {
			return 0, 0, 0, fmt.Errorf("%w: invalid step %q", ErrInvalidExpression, stepPart)
		}
	}

	switch {
	case rangePart == "*":
		return f.min, f.max, step, nil
	case strings.Contains(rangePart, "-"):
		a, b, _ := strings.Cut(rangePart, "-")

		lo, err = bound(a, f)
		if err != nil {
			return 0, 0, 0, err
		}

		hi, err = bound(b, f)
		if err != nil {
			return 0, 0, 0, err
		}

		if lo > hi {
			return 0, 0, 0, fmt.Errorf("%w: empty range %q", ErrInvalidExpression, rangePart)
		}

		return lo, hi, step, nil
	default:
		lo, err = bound(rangePart, f)
		if err != nil {
			return 0, 0, 0, err
		}

		if hasStep {
			return lo, f.max, step, nil
		}

		return lo, lo, 1, nil
	}
}

func bound(raw string, f field) (int, error) {
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid value %q", ErrInvalidExpression, raw)
	}

	if v < f.min || v > f.max {
		return 0, fmt.Errorf("%w: %d out of [%d, %d]", ErrInvalidExpression, v, f.min, f.max)
	}

	return v, nil
}
