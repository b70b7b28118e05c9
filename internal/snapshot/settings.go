package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/duckhouse/duckhouse/internal/catalog"
	"github.com/duckhouse/duckhouse/internal/errkind"
	"github.com/duckhouse/duckhouse/internal/types"
)

// Trigger names one destructive operation that can auto-snapshot first.
type Trigger string

const (
	TriggerDropTable     Trigger = "drop_table"
	TriggerTruncateTable Trigger = "truncate_table"
	TriggerDeleteAllRows Trigger = "delete_all_rows"
	TriggerDropColumn    Trigger = "drop_column"
)

// Type returns the snapshot type an auto snapshot for this trigger gets.
func (t Trigger) Type() types.SnapshotType {
	switch t {
	case TriggerDropTable:
		return types.SnapshotPreDrop
	case TriggerTruncateTable:
		return types.SnapshotPreTruncate
	case TriggerDeleteAllRows:
		return types.SnapshotPreDelete
	case TriggerDropColumn:
		return types.SnapshotPreDropColumn
	}
	return types.SnapshotManual
}

// Retention bounds, in days.
const (
	RetentionMinDays = 1
	RetentionMaxDays = 3650
)

// Config is a fully resolved snapshot configuration.
type Config struct {
	Enabled   bool            `json:"enabled"`
	Triggers  map[Trigger]bool `json:"auto_snapshot_triggers"`
	Retention Retention       `json:"retention"`
}

// Retention is the resolved retention subtree.
type Retention struct {
	ManualDays int `json:"manual_days"`
	AutoDays   int `json:"auto_days"`
}

// Defaults returns the hard-coded system layer.
func Defaults() Config {
	return Config{
		Enabled: true,
		Triggers: map[Trigger]bool{
			TriggerDropTable:     true,
			TriggerTruncateTable: false,
			TriggerDeleteAllRows: false,
			TriggerDropColumn:    false,
		},
		Retention: Retention{ManualDays: 90, AutoDays: 7},
	}
}

// Delta is a partial configuration stored at one layer. Nil subkeys
// preserve the inherited value.
type Delta struct {
	Enabled   *bool             `json:"enabled,omitempty"`
	Triggers  map[Trigger]*bool `json:"auto_snapshot_triggers,omitempty"`
	Retention *RetentionDelta   `json:"retention,omitempty"`
}

// RetentionDelta is the partial retention subtree.
type RetentionDelta struct {
	ManualDays *int `json:"manual_days,omitempty"`
	AutoDays   *int `json:"auto_days,omitempty"`
}

// ParseDelta decodes and validates a stored or submitted delta. Unknown
// keys and out-of-range integers fail with precise invalid-argument
// errors.
func ParseDelta(raw []byte) (*Delta, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var d Delta
	if err := dec.Decode(&d); err != nil {
		return nil, errkind.New(errkind.Invalid, "invalid snapshot settings: %v", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks trigger names and retention ranges.
func (d *Delta) Validate() error {
	for trig := range d.Triggers {
		switch trig {
		case TriggerDropTable, TriggerTruncateTable, TriggerDeleteAllRows, TriggerDropColumn:
		default:
			return errkind.New(errkind.Invalid, "unknown auto-snapshot trigger %q", trig)
		}
	}
	if d.Retention != nil {
		for name, v := range map[string]*int{
			"manual_days": d.Retention.ManualDays,
			"auto_days":   d.Retention.AutoDays,
		} {
			if v != nil && (*v < RetentionMinDays || *v > RetentionMaxDays) {
				return errkind.New(errkind.Invalid,
					"retention.%s must be between %d and %d, got %d",
					name, RetentionMinDays, RetentionMaxDays, *v)
			}
		}
	}
	return nil
}

// Effective is a resolved configuration plus, per leaf value, the layer
// it came from.
type Effective struct {
	Config Config            `json:"config"`
	Source map[string]string `json:"source"`
}

// merge applies one layer's delta, recording the layer name for every
// leaf the delta sets.
func (e *Effective) merge(layer string, d *Delta) {
	if d == nil {
		return
	}
	if d.Enabled != nil {
		e.Config.Enabled = *d.Enabled
		e.Source["enabled"] = layer
	}
	for trig, v := range d.Triggers {
		if v != nil {
			e.Config.Triggers[trig] = *v
			e.Source["auto_snapshot_triggers."+string(trig)] = layer
		}
	}
	if d.Retention != nil {
		if d.Retention.ManualDays != nil {
			e.Config.Retention.ManualDays = *d.Retention.ManualDays
			e.Source["retention.manual_days"] = layer
		}
		if d.Retention.AutoDays != nil {
			e.Config.Retention.AutoDays = *d.Retention.AutoDays
			e.Source["retention.auto_days"] = layer
		}
	}
}

// SettingsEntityID builds the catalog entity id for a layer: "p" for a
// project, "p/bucket" and "p/bucket/table" below it. The "/" separator
// cannot appear in identifiers, so prefixes are unambiguous.
func SettingsEntityID(project, bucket, table string) string {
	id := project
	if bucket != "" {
		id += "/" + bucket
	}
	if table != "" {
		id += "/" + table
	}
	return id
}

// Resolve deep-merges system → project → bucket → table and reports the
// source layer of every leaf. Bucket and table may be empty to resolve at
// a higher layer.
func Resolve(ctx context.Context, cat *catalog.Catalog, project, bucket, table string) (*Effective, error) {
	eff := &Effective{Config: Defaults(), Source: map[string]string{}}
	for leaf := range flattenLeaves() {
		eff.Source[leaf] = string(types.ScopeSystem)
	}

	type layer struct {
		scope  types.SettingsScope
		entity string
	}
	layers := []layer{{types.ScopeProject, SettingsEntityID(project, "", "")}}
	if bucket != "" {
		layers = append(layers, layer{types.ScopeBucket, SettingsEntityID(project, bucket, "")})
		if table != "" {
			layers = append(layers, layer{types.ScopeTable, SettingsEntityID(project, bucket, table)})
		}
	}

	for _, layer := range layers {
		raw, err := cat.GetSettingsDelta(ctx, layer.scope, layer.entity)
		if err != nil {
			return nil, err
		}
		if raw == nil {
			continue
		}
		d, err := ParseDelta(raw)
		if err != nil {
			return nil, fmt.Errorf("stored %s settings for %s: %w", layer.scope, layer.entity, err)
		}
		eff.merge(string(layer.scope), d)
	}
	return eff, nil
}

func flattenLeaves() map[string]struct{} {
	return map[string]struct{}{
		"enabled":                               {},
		"auto_snapshot_triggers.drop_table":     {},
		"auto_snapshot_triggers.truncate_table": {},
		"auto_snapshot_triggers.delete_all_rows": {},
		"auto_snapshot_triggers.drop_column":    {},
		"retention.manual_days":                 {},
		"retention.auto_days":                   {},
	}
}
