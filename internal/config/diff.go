package config

import (
	"reflect"
	"time"
)

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	AgentsAdded   []string
	AgentsRemoved []string
	AgentsChanged []string

	EnginesChanged bool

	DefaultsChanged bool
	NewDefaults     DefaultsConfig

	SchedulerChanged bool
	NewPollInterval  time.Duration

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return len(d.AgentsAdded) > 0 ||
		len(d.AgentsRemoved) > 0 ||
		len(d.AgentsChanged) > 0 ||
		d.EnginesChanged ||
		d.DefaultsChanged ||
		d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	for name := range new.Agents {
		if _, ok := old.Agents[name]; !ok {
			d.AgentsAdded = append(d.AgentsAdded, name)
		}
	}
	for name := range old.Agents {
		if _, ok := new.Agents[name]; !ok {
			d.AgentsRemoved = append(d.AgentsRemoved, name)
		}
	}
	for name, newDef := range new.Agents {
		if oldDef, ok := old.Agents[name]; ok {
			if !reflect.DeepEqual(oldDef, newDef) {
				d.AgentsChanged = append(d.AgentsChanged, name)
			}
		}
	}

	if !reflect.DeepEqual(old.Engines, new.Engines) {
		d.EnginesChanged = true
	}

	if !reflect.DeepEqual(old.Defaults, new.Defaults) {
		d.DefaultsChanged = true
		d.NewDefaults = new.Defaults
	}

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewPollInterval = new.Scheduler.PollInterval
	}

	// Non-reloadable warnings
	if old.Web.Port != new.Web.Port {
		d.NonReloadable = append(d.NonReloadable, "web.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.Vault.Passphrase != new.Vault.Passphrase {
		d.NonReloadable = append(d.NonReloadable, "vault.passphrase")
	}
	if old.Notify.TelegramToken != new.Notify.TelegramToken {
		d.NonReloadable = append(d.NonReloadable, "notify.telegram_token")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}

	return d
}
