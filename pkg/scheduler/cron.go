/*
Copyright 2025 Jordi Gil.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ingestpipe/core/pkg/shared/errors"
)

// hourlyAlias is the one cron alias this calculator understands; every
// other expression must be a literal 5-field POSIX cron string (spec
// §4.E's Open Question resolution — no cron library appears anywhere in
// the retrieved example corpus, so this one calculator is intentionally
// hand-rolled stdlib; see DESIGN.md).
const hourlyAlias = "@hourly"

const maxLookahead = 4 * 365 * 24 * time.Hour

type fieldMatcher func(v int) bool

// cronSchedule is a parsed 5-field expression ready for repeated NextRun
// calls.
type cronSchedule struct {
	raw           string
	minute        fieldMatcher
	hour          fieldMatcher
	dom           fieldMatcher
	month         fieldMatcher
	dow           fieldMatcher
	domRestricted bool
	dowRestricted bool
}

// ParseCron validates expr and returns a schedule that can compute
// successive run times. expr must be "@hourly" or a standard 5-field cron
// string (minute hour dom month dow).
func ParseCron(expr string) (*cronSchedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == hourlyAlias {
		return &cronSchedule{raw: expr}, nil
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 {
		return nil, errors.ValidationError("expression", "cron expression must have 5 fields (minute hour dom month dow) or be \"@hourly\"")
	}

	minute, err := parseField(fields[0], 0, 59)
	if err != nil {
		return nil, errors.ValidationError("expression", "minute field: "+err.Error())
	}
	hour, err := parseField(fields[1], 0, 23)
	if err != nil {
		return nil, errors.ValidationError("expression", "hour field: "+err.Error())
	}
	dom, err := parseField(fields[2], 1, 31)
	if err != nil {
		return nil, errors.ValidationError("expression", "day-of-month field: "+err.Error())
	}
	month, err := parseField(fields[3], 1, 12)
	if err != nil {
		return nil, errors.ValidationError("expression", "month field: "+err.Error())
	}
	dow, err := parseField(fields[4], 0, 6)
	if err != nil {
		return nil, errors.ValidationError("expression", "day-of-week field: "+err.Error())
	}

	return &cronSchedule{
		raw:           expr,
		minute:        minute,
		hour:          hour,
		dom:           dom,
		month:         month,
		dow:           dow,
		domRestricted: fields[2] != "*",
		dowRestricted: fields[4] != "*",
	}, nil
}

// Next returns the first run time strictly after after.
func (c *cronSchedule) Next(after time.Time) (time.Time, error) {
	if c.raw == hourlyAlias {
		return after.Add(time.Hour), nil
	}

	t := after.Truncate(time.Minute).Add(time.Minute)
	limit := after.Add(maxLookahead)
	for t.Before(limit) {
		if c.month(int(t.Month())) && c.domDowMatch(t) && c.hour(t.Hour()) && c.minute(t.Minute()) {
			return t, nil
		}
		t = t.Add(time.Minute)
	}
	return time.Time{}, errors.FailedTo(fmt.Sprintf("compute next run for cron expression %q", c.raw), nil)
}

// domDowMatch applies cron's union rule: when both day-of-month and
// day-of-week are restricted (neither is "*"), a match on either field is
// sufficient; when only one (or neither) is restricted, both must match.
func (c *cronSchedule) domDowMatch(t time.Time) bool {
	domOK := c.dom(t.Day())
	dowOK := c.dow(int(t.Weekday()))
	if c.domRestricted && c.dowRestricted {
		return domOK || dowOK
	}
	return domOK && dowOK
}

// parseField parses one comma-separated list of "*", "*/n", "a", "a-b", or
// "a-b/n" terms into a single matcher over [min, max].
func parseField(raw string, min, max int) (fieldMatcher, error) {
	terms := strings.Split(raw, ",")
	matchers := make([]fieldMatcher, 0, len(terms))
	for _, term := range terms {
		m, err := parseTerm(term, min, max)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	return func(v int) bool {
		for _, m := range matchers {
			if m(v) {
				return true
			}
		}
		return false
	}, nil
}

func parseTerm(term string, min, max int) (fieldMatcher, error) {
	step := 1
	base := term
	if idx := strings.Index(term, "/"); idx >= 0 {
		base = term[:idx]
		n, err := strconv.Atoi(term[idx+1:])
		if err != nil || n <= 0 {
			return nil, errors.ValidationError("term", "invalid step in "+term)
		}
		step = n
	}

	lo, hi := min, max
	if base != "*" {
		if idx := strings.Index(base, "-"); idx >= 0 {
			l, err1 := strconv.Atoi(base[:idx])
			h, err2 := strconv.Atoi(base[idx+1:])
			if err1 != nil || err2 != nil || l < min || h > max || l > h {
				return nil, errors.ValidationError("term", "invalid range in "+term)
			}
			lo, hi = l, h
		} else {
			v, err := strconv.Atoi(base)
			if err != nil || v < min || v > max {
				return nil, errors.ValidationError("term", "invalid value in "+term)
			}
			lo, hi = v, v
			if step != 1 {
				// a single value with a step is degenerate but valid: only
				// the base value itself matches.
				return func(x int) bool { return x == v }, nil
			}
		}
	}

	return func(x int) bool {
		if x < lo || x > hi {
			return false
		}
		return (x-lo)%step == 0
	}, nil
}
