package feed

import (
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// cronParser accepts standard 5-field cron expressions (minute granularity).
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// Cadence describes how often a feed is polled: either sub-minute (a list
// of second offsets within each minute) or coarse (a cron expression).
type Cadence struct {
	// Offsets are intra-minute second offsets, strictly increasing, in [0,59].
	Offsets []int

	// Cron is a standard 5-field cron expression.
	Cron string

	sched cron.Schedule
}

// UnmarshalYAML accepts either a scalar cron string or a sequence of
// integer second offsets.
func (c *Cadence) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return node.Decode(&c.Cron)
	case yaml.SequenceNode:
		return node.Decode(&c.Offsets)
	default:
		return eris.New("feed: cadence must be a cron string or a list of second offsets")
	}
}

// Validate checks the cadence shape and compiles the cron schedule.
func (c *Cadence) Validate() error {
	if len(c.Offsets) > 0 && c.Cron != "" {
		return eris.New("feed: cadence cannot set both offsets and cron")
	}
	if len(c.Offsets) == 0 && c.Cron == "" {
		return eris.New("feed: cadence must set offsets or cron")
	}

	if c.Cron != "" {
		sched, err := cronParser.Parse(c.Cron)
		if err != nil {
			return eris.Wrapf(err, "feed: parse cron %q", c.Cron)
		}
		c.sched = sched
		return nil
	}

	prev := -1
	for _, off := range c.Offsets {
		if off < 0 || off > 59 {
			return eris.Errorf("feed: offset %d out of range [0,59]", off)
		}
		if off <= prev {
			return eris.Errorf("feed: offsets must be strictly increasing, got %d after %d", off, prev)
		}
		prev = off
	}
	return nil
}

// SubMinute reports whether this cadence fans out within a minute.
func (c *Cadence) SubMinute() bool {
	return len(c.Offsets) > 0
}

// InstantsIn returns the scheduled instants falling inside the minute that
// contains t, one per configured offset. Empty for cron cadences.
func (c *Cadence) InstantsIn(t time.Time) []time.Time {
	if !c.SubMinute() {
		return nil
	}
	base := t.UTC().Truncate(time.Minute)
	out := make([]time.Time, 0, len(c.Offsets))
	for _, off := range c.Offsets {
		out = append(out, base.Add(time.Duration(off)*time.Second))
	}
	return out
}

// Matches reports whether a cron cadence fires in the minute containing t.
// Offset cadences fire every minute and always match.
func (c *Cadence) Matches(t time.Time) bool {
	if c.SubMinute() {
		return true
	}
	if c.sched == nil {
		if err := c.Validate(); err != nil {
			return false
		}
	}
	minute := t.UTC().Truncate(time.Minute)
	return c.sched.Next(minute.Add(-time.Second)).Equal(minute)
}

// Granularity returns the time bucket used for dedup keys: one second for
// sub-minute cadences, one minute for cron cadences.
func (c *Cadence) Granularity() time.Duration {
	if c.SubMinute() {
		return time.Second
	}
	return time.Minute
}
