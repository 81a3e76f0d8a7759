package storage

import (
	"sync"

	"github.com/itiky/marketplace-sync/model"
)

type (
	// ChangeLog keeps the change feed history: every version is a batch of published events.
	// Subscribers poll it with their last seen version.
	ChangeLog struct {
		sync.RWMutex
		// List of change feed versions (versions[i].Version == i)
		versions []Version
		// Max number of kept versions, older ones are compacted (0 - unlimited)
		retention int
		// Number of compacted versions
		offset int
	}

	Version struct {
		Version int
		// Events published with the version
		Events []model.ChangeEvent
	}
)

// AddVersion adds a new change feed version and returns it (events get their Version set).
// Returns the latest version unchanged for an empty batch.
func (l *ChangeLog) AddVersion(events ...model.ChangeEvent) Version {
	l.Lock()
	defer l.Unlock()

	if len(events) == 0 {
		return l.versions[len(l.versions)-1]
	}

	newVersion := Version{
		Version: l.offset + len(l.versions),
		Events:  make([]model.ChangeEvent, len(events)),
	}
	copy(newVersion.Events, events)
	for i := range newVersion.Events {
		newVersion.Events[i].Version = newVersion.Version
	}

	l.versions = append(l.versions, newVersion)
	l.compact()

	return newVersion
}

// LatestVersion returns the current change feed version.
func (l *ChangeLog) LatestVersion() int {
	l.RLock()
	defer l.RUnlock()

	return l.latestVersion()
}

// GetChangesSince returns the latest version and events for the table / scope published after the version.
// ok is false if the version was compacted: the subscriber must re-fetch the scope.
func (l *ChangeLog) GetChangesSince(version int, table model.Table, scope model.ScopeKey) (latest int, events []model.ChangeEvent, ok bool) {
	l.RLock()
	defer l.RUnlock()

	latest = l.latestVersion()
	if version < 0 || version >= latest {
		return latest, nil, true
	}
	if version+1 < l.offset {
		return latest, nil, false
	}

	events = make([]model.ChangeEvent, 0)
	for i := version + 1 - l.offset; i < len(l.versions); i++ {
		for _, event := range l.versions[i].Events {
			if event.Matches(table, scope) {
				events = append(events, event)
			}
		}
	}

	return latest, events, true
}

func (l *ChangeLog) latestVersion() int {
	return l.offset + len(l.versions) - 1
}

// compact drops versions beyond retention. Must be called with the lock held.
func (l *ChangeLog) compact() {
	if l.retention <= 0 || len(l.versions) <= l.retention {
		return
	}

	drop := len(l.versions) - l.retention
	l.versions = append([]Version(nil), l.versions[drop:]...)
	l.offset += drop
}

// NewChangeLog creates a new ChangeLog with the empty v0 version.
func NewChangeLog(retention int) *ChangeLog {
	return &ChangeLog{
		versions:  []Version{{Version: 0}},
		retention: retention,
	}
}
