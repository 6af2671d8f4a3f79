package config

import "reflect"

// ConfigDiff describes what changed between two loaded configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	CoordinatorChanged bool
	NewCoordinator     string

	EconomyChanged bool
	NewEconomy     EconomyConfig

	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.CoordinatorChanged ||
		d.EconomyChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	oldAgents := make(map[string]AgentDef, len(old.Roster.Agents))
	for _, a := range old.Roster.Agents {
		oldAgents[a.ID()] = a
	}
	newAgents := make(map[string]AgentDef, len(new.Roster.Agents))
	for _, a := range new.Roster.Agents {
		newAgents[a.ID()] = a
	}

	for id := range newAgents {
		if _, ok := oldAgents[id]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, id)
		}
	}
	for id := range oldAgents {
		if _, ok := newAgents[id]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, id)
		}
	}
	for id, newDef := range newAgents {
		if oldDef, ok := oldAgents[id]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, id)
			}
		}
	}

	if old.Roster.Coordinator != new.Roster.Coordinator {
		d.CoordinatorChanged = true
		d.NewCoordinator = new.Roster.Coordinator
	}

	if !reflect.DeepEqual(old.Economy, new.Economy) {
		d.EconomyChanged = true
		d.NewEconomy = new.Economy
	}

	if !reflect.DeepEqual(old.Scheduler, new.Scheduler) {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	// Non-reloadable warnings
	if old.Telegram.Token != new.Telegram.Token {
		d.NonReloadable = append(d.NonReloadable, "telegram.token")
	}
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}
