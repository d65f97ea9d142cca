package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Durations reads the duration fields of one config section. Bad fields
// are collected so a reload reports all of them at once.
type Durations struct {
	section string
	errs    []error
}

func NewDurations(section string) *Durations { return &Durations{section: section} }

// Get parses raw as a Go duration. Blank is zero; negative is an error.
func (d *Durations) Get(field, raw string) time.Duration {
	v := strings.TrimSpace(raw)
	if v == "" {
		return 0
	}
	dur, err := time.ParseDuration(v)
	switch {
	case err != nil:
		d.errs = append(d.errs, fmt.Errorf("%s.%s: %q is not a duration", d.section, field, raw))
		return 0
	case dur < 0:
		d.errs = append(d.errs, fmt.Errorf("%s.%s: must not be negative", d.section, field))
		return 0
	}
	return dur
}

// Or is Get with def in place of a blank or zero value.
func (d *Durations) Or(field, raw string, def time.Duration) time.Duration {
	if dur := d.Get(field, raw); dur > 0 {
		return dur
	}
	return def
}

func (d *Durations) Err() error { return errors.Join(d.errs...) }
