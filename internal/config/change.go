package config

import (
	"slices"

	logx "tickwork/pkg/logx"
)

// Section names reported in a Change.
const (
	SectionLogging   = "logging"
	SectionScheduler = "scheduler"
	SectionLoop      = "loop"
	SectionTriggers  = "triggers"
	SectionStorage   = "storage"
	SectionSim       = "sim"
	SectionDebug     = "debug"
	SectionSystemd   = "systemd"
)

// Change is published to subscribers once a reloaded config is committed.
type Change struct {
	Old *Config
	New *Config

	// Sections lists the changed sections, sorted.
	Sections []string
	// Restart is the subset of Sections only read at startup.
	Restart []string
	// Fields summarize the new values for logging. Secrets are not included.
	Fields []logx.Field
}

// NewChange compares two configs. A nil config compares as the zero Config.
func NewChange(oldCfg, newCfg *Config) Change {
	sections, fields := SummarizeConfigChange(oldCfg, newCfg)
	return Change{
		Old:      oldCfg,
		New:      newCfg,
		Sections: sections,
		Restart:  RestartRequired(sections),
		Fields:   fields,
	}
}

// Empty reports whether no section changed.
func (c Change) Empty() bool { return len(c.Sections) == 0 }

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// Merge folds a later change into c as if both reloads had been one.
func (c Change) Merge(next Change) Change {
	return NewChange(c.Old, next.New)
}
