// Package calendar answers whether an instrument's market is open at a given
// instant. Session windows are defined in local wall-clock time and every
// comparison goes through time.Date in the session's location, so DST
// transitions move the UTC window instead of breaking it.
package calendar

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/atmx/risk-bridge/internal/symbol"
)

var (
	ErrUnknownSession = errors.New("calendar: unknown session")
	ErrBadWindow      = errors.New("calendar: invalid session window")
)

// SessionConfig describes a named trading session. Days are the local days
// on which the session opens; a window whose Close is not after Open runs
// past local midnight into the next day.
type SessionConfig struct {
	Name     string   `yaml:"name"`
	Timezone string   `yaml:"timezone"`
	Days     []string `yaml:"days"`
	Open     string   `yaml:"open"`
	Close    string   `yaml:"close"`
	Always   bool     `yaml:"always"`
}

// Config is the calendar section of the service configuration.
type Config struct {
	Sessions    []SessionConfig     `yaml:"sessions"`
	Instruments map[string][]string `yaml:"instruments"`
	// Classes maps a symbol asset class to sessions for instruments with no
	// explicit mapping.
	Classes map[string][]string `yaml:"classes"`
}

var weekdays = []string{"MON", "TUE", "WED", "THU", "FRI"}

// DefaultConfig returns the four global FX sessions, a 24/7 session for
// crypto and the US cash equity session for indices.
func DefaultConfig() Config {
	return Config{
		Sessions: []SessionConfig{
			{Name: "sydney", Timezone: "Australia/Sydney", Days: weekdays, Open: "07:00", Close: "16:00"},
			{Name: "tokyo", Timezone: "Asia/Tokyo", Days: weekdays, Open: "09:00", Close: "18:00"},
			{Name: "london", Timezone: "Europe/London", Days: weekdays, Open: "08:00", Close: "17:00"},
			{Name: "new_york", Timezone: "America/New_York", Days: weekdays, Open: "08:00", Close: "17:00"},
			{Name: "always", Always: true},
			{Name: "us_equity", Timezone: "America/New_York", Days: weekdays, Open: "09:30", Close: "16:00"},
		},
		Classes: map[string][]string{
			symbol.ClassFX:     {"sydney", "tokyo", "london", "new_york"},
			symbol.ClassMetal:  {"sydney", "tokyo", "london", "new_york"},
			symbol.ClassCrypto: {"always"},
			symbol.ClassIndex:  {"us_equity"},
		},
	}
}

// Session is a compiled trading window.
type Session struct {
	Name     string
	loc      *time.Location
	days     [7]bool
	openMin  int
	closeMin int
	always   bool
}

// window returns the open/close instants of the window opening on local
// date (y, m, d). ok is false when the session does not open that day.
func (s *Session) window(y int, m time.Month, d int) (openAt, closeAt time.Time, ok bool) {
	day := time.Date(y, m, d, 12, 0, 0, 0, s.loc).Weekday()
	if !s.days[day] {
		return time.Time{}, time.Time{}, false
	}
	openAt = time.Date(y, m, d, s.openMin/60, s.openMin%60, 0, 0, s.loc)
	cd := d
	if s.closeMin <= s.openMin {
		cd++
	}
	closeAt = time.Date(y, m, cd, s.closeMin/60, s.closeMin%60, 0, 0, s.loc)
	return openAt, closeAt, true
}

// isOpen is inclusive of the opening instant and exclusive of the closing.
func (s *Session) isOpen(t time.Time) bool {
	if s.always {
		return true
	}
	local := t.In(s.loc)
	y, m, d := local.Date()
	// A window opened yesterday may still be running past midnight.
	for _, offset := range []int{-1, 0} {
		openAt, closeAt, ok := s.window(y, m, d+offset)
		if ok && !t.Before(openAt) && t.Before(closeAt) {
			return true
		}
	}
	return false
}

// nextOpen returns the first opening instant at or after t.
func (s *Session) nextOpen(t time.Time) (time.Time, bool) {
	if s.always {
		return t, true
	}
	local := t.In(s.loc)
	y, m, d := local.Date()
	for offset := 0; offset <= 8; offset++ {
		openAt, _, ok := s.window(y, m, d+offset)
		if ok && !openAt.Before(t) {
			return openAt.UTC(), true
		}
	}
	return time.Time{}, false
}

// Calendar maps instruments to sessions. It is read-only after New and safe
// for concurrent use.
type Calendar struct {
	sessions    map[string]*Session
	instruments map[string][]*Session
	classes     map[string][]*Session
	warned      sync.Map
}

// New compiles cfg.
func New(cfg Config) (*Calendar, error) {
	c := &Calendar{
		sessions:    make(map[string]*Session, len(cfg.Sessions)),
		instruments: make(map[string][]*Session, len(cfg.Instruments)),
		classes:     make(map[string][]*Session, len(cfg.Classes)),
	}
	for _, sc := range cfg.Sessions {
		s, err := compile(sc)
		if err != nil {
			return nil, err
		}
		c.sessions[s.Name] = s
	}
	resolve := func(names []string) ([]*Session, error) {
		out := make([]*Session, 0, len(names))
		for _, n := range names {
			s, ok := c.sessions[n]
			if !ok {
				return nil, fmt.Errorf("%w: %q", ErrUnknownSession, n)
			}
			out = append(out, s)
		}
		return out, nil
	}
	for sym, names := range cfg.Instruments {
		ss, err := resolve(names)
		if err != nil {
			return nil, fmt.Errorf("instrument %s: %w", sym, err)
		}
		c.instruments[symbol.Normalize(sym)] = ss
	}
	for class, names := range cfg.Classes {
		ss, err := resolve(names)
		if err != nil {
			return nil, fmt.Errorf("class %s: %w", class, err)
		}
		c.classes[class] = ss
	}
	return c, nil
}

// Default returns a calendar built from DefaultConfig.
func Default() *Calendar {
	c, err := New(DefaultConfig())
	if err != nil {
		panic(err)
	}
	return c
}

func compile(sc SessionConfig) (*Session, error) {
	if sc.Name == "" {
		return nil, fmt.Errorf("%w: session without name", ErrBadWindow)
	}
	s := &Session{Name: sc.Name, always: sc.Always}
	if sc.Always {
		return s, nil
	}
	loc, err := time.LoadLocation(sc.Timezone)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", sc.Name, err)
	}
	s.loc = loc
	if s.openMin, err = parseClock(sc.Open); err != nil {
		return nil, fmt.Errorf("session %s open: %w", sc.Name, err)
	}
	if s.closeMin, err = parseClock(sc.Close); err != nil {
		return nil, fmt.Errorf("session %s close: %w", sc.Name, err)
	}
	if len(sc.Days) == 0 {
		return nil, fmt.Errorf("%w: session %s has no days", ErrBadWindow, sc.Name)
	}
	for _, d := range sc.Days {
		wd, ok := parseWeekday(d)
		if !ok {
			return nil, fmt.Errorf("%w: session %s day %q", ErrBadWindow, sc.Name, d)
		}
		s.days[wd] = true
	}
	return s, nil
}

func parseClock(v string) (int, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadWindow, v)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseWeekday(v string) (time.Weekday, bool) {
	v = strings.ToUpper(strings.TrimSpace(v))
	if len(v) < 3 {
		return 0, false
	}
	switch v[:3] {
	case "SUN":
		return time.Sunday, true
	case "MON":
		return time.Monday, true
	case "TUE":
		return time.Tuesday, true
	case "WED":
		return time.Wednesday, true
	case "THU":
		return time.Thursday, true
	case "FRI":
		return time.Friday, true
	case "SAT":
		return time.Saturday, true
	}
	return 0, false
}

// SessionsFor returns the session names covering sym, or nil if unmapped.
func (c *Calendar) SessionsFor(sym string) []string {
	ss := c.lookup(symbol.Normalize(sym))
	names := make([]string, 0, len(ss))
	for _, s := range ss {
		names = append(names, s.Name)
	}
	sort.Strings(names)
	return names
}

func (c *Calendar) lookup(sym string) []*Session {
	if ss, ok := c.instruments[sym]; ok {
		return ss
	}
	inst, err := symbol.Parse(sym)
	if err != nil {
		return nil
	}
	return c.classes[inst.Class]
}

// IsOpen reports whether any session mapped to sym is open at t. Symbols
// with no mapped session are treated as open.
func (c *Calendar) IsOpen(sym string, t time.Time) bool {
	sym = symbol.Normalize(sym)
	ss := c.lookup(sym)
	if len(ss) == 0 {
		c.warnUnmapped(sym)
		return true
	}
	for _, s := range ss {
		if s.isOpen(t) {
			return true
		}
	}
	return false
}

// NextOpen returns t if sym is open at t, otherwise the earliest opening
// instant of any of its sessions after t, in UTC.
func (c *Calendar) NextOpen(sym string, t time.Time) time.Time {
	sym = symbol.Normalize(sym)
	ss := c.lookup(sym)
	if len(ss) == 0 {
		c.warnUnmapped(sym)
		return t.UTC()
	}
	var best time.Time
	for _, s := range ss {
		if s.isOpen(t) {
			return t.UTC()
		}
		if next, ok := s.nextOpen(t); ok && (best.IsZero() || next.Before(best)) {
			best = next
		}
	}
	return best
}

func (c *Calendar) warnUnmapped(sym string) {
	if _, loaded := c.warned.LoadOrStore(sym, struct{}{}); !loaded {
		slog.Warn("no trading session mapped, treating as always open", "symbol", sym)
	}
}
