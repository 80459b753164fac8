// Package timing estimates when each text unit of an utterance is spoken and
// keeps that estimate consistent as the synthesis service confirms real
// timings.
//
// [Estimate] turns a unit sequence into [types.TimedUnit] values using a
// [RateModel]. A [Timeline] holds the live view for one utterance: the
// playback controller looks up the active unit with [Timeline.IndexAt] on
// every audio clock tick and overwrites estimates with [Timeline.Confirm].
package timing

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"
)

// Default rate model values. The pause matches the gap a listener perceives
// between words of a typical neural voice.
const (
	DefaultCharsPerSecond = 14.0
	DefaultPause          = 100 * time.Millisecond
	DefaultFloor          = 120 * time.Millisecond
)

// RateModel describes how long a unit of text takes to speak.
type RateModel struct {
	// CharsPerSecond is the speaking rate in characters per second.
	CharsPerSecond float64 `yaml:"chars_per_second"`

	// Pause is added after every unit.
	Pause time.Duration `yaml:"pause"`

	// Floor is the minimum spoken duration of a unit before the pause.
	Floor time.Duration `yaml:"floor"`
}

// DefaultRateModel returns the built-in rate model.
func DefaultRateModel() RateModel {
	return RateModel{
		CharsPerSecond: DefaultCharsPerSecond,
		Pause:          DefaultPause,
		Floor:          DefaultFloor,
	}
}

// Validate checks that the model yields a positive duration for every unit.
func (m RateModel) Validate() error {
	var errs []error
	if m.CharsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("chars_per_second must be positive, got %v", m.CharsPerSecond))
	}
	if m.Pause < 0 {
		errs = append(errs, fmt.Errorf("pause must not be negative, got %s", m.Pause))
	}
	if m.Floor < 0 {
		errs = append(errs, fmt.Errorf("floor must not be negative, got %s", m.Floor))
	}
	if m.Floor == 0 && m.Pause == 0 {
		errs = append(errs, errors.New("floor and pause cannot both be zero"))
	}
	return errors.Join(errs...)
}

// Duration returns max(Floor, runes/CharsPerSecond) + Pause for text.
func (m RateModel) Duration(text string) time.Duration {
	spoken := time.Duration(float64(utf8.RuneCountInString(text)) / m.CharsPerSecond * float64(time.Second))
	return max(m.Floor, spoken) + m.Pause
}

// WithRate returns a copy of m using cps characters per second. Non-positive
// values leave the model unchanged.
func (m RateModel) WithRate(cps float64) RateModel {
	if cps > 0 {
		m.CharsPerSecond = cps
	}
	return m
}
