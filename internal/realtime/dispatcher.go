package realtime

import (
	"log/slog"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

// Handlers are the named callbacks a dispatcher routes envelopes to. Any
// field may be nil; missing callbacks are simply skipped.
type Handlers struct {
	OnCreated func(record domain.Record)
	OnUpdated func(record, previous domain.Record)
	OnDeleted func(record domain.Record)

	// OnRelated receives envelopes for satellite tables configured through
	// RelatedTags: rows of a different shape whose changes still affect this
	// domain's on-screen entities.
	OnRelated func(env domain.ChangeEnvelope)
}

// TagRule configures the generic update gating for one primary domain tag.
// An empty WatchFields means every UPDATE notifies; otherwise OnUpdated only
// fires when at least one watched field differs between the new and old row.
type TagRule struct {
	Tag         string
	WatchFields []string
}

// FieldTrigger is a cross-entity callback derived from a generic UPDATE:
// it fires only when the named field differs between the new and old row.
// Triggers are independent of the generic OnUpdated; when both apply, both
// fire.
type FieldTrigger struct {
	Tag   string
	Field string
	Fire  func(record, previous domain.Record)
}

// DispatcherConfig declares which envelopes a domain cares about and how
// updates are gated. One dispatcher may match several tags.
type DispatcherConfig struct {
	// Domain labels log lines, e.g. "tickets".
	Domain string

	// Rules lists the primary tags routed to the named callbacks.
	Rules []TagRule

	// RelatedTags lists satellite tags routed to Handlers.OnRelated.
	RelatedTags []string

	// Triggers lists field-gated cross-entity callbacks.
	Triggers []FieldTrigger
}

// Dispatcher filters generic change envelopes down to one domain and routes
// them to named callbacks. Envelopes outside the configured tag sets are
// ignored without any callback firing.
type Dispatcher struct {
	handlers Handlers
	rules    map[string]TagRule
	related  map[string]struct{}
	triggers map[string][]FieldTrigger
	logger   *slog.Logger
}

// NewDispatcher builds a dispatcher from a domain config.
func NewDispatcher(cfg DispatcherConfig, handlers Handlers, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		handlers: handlers,
		rules:    make(map[string]TagRule, len(cfg.Rules)),
		related:  make(map[string]struct{}, len(cfg.RelatedTags)),
		triggers: make(map[string][]FieldTrigger, len(cfg.Triggers)),
		logger:   logger.With("component", "dispatcher", "domain", cfg.Domain),
	}
	for _, rule := range cfg.Rules {
		d.rules[rule.Tag] = rule
	}
	for _, tag := range cfg.RelatedTags {
		d.related[tag] = struct{}{}
	}
	for _, trig := range cfg.Triggers {
		d.triggers[trig.Tag] = append(d.triggers[trig.Tag], trig)
	}
	return d
}

// Attach registers the dispatcher on a manager's shared connection.
func (d *Dispatcher) Attach(m *Manager) *Subscription {
	return m.Subscribe(d.Dispatch)
}

// Dispatch routes one envelope. Safe to call with envelopes of any domain;
// foreign tags are a silent no-op.
func (d *Dispatcher) Dispatch(env domain.ChangeEnvelope) {
	if _, ok := d.related[env.Type]; ok {
		if d.handlers.OnRelated != nil {
			d.handlers.OnRelated(env)
		}
		return
	}

	rule, ok := d.rules[env.Type]
	if !ok {
		return
	}

	if env.Truncated() {
		// Oversized changes arrive with no row data, only table and action.
		// There is nothing to decode for the typed callbacks; consumers that
		// want the refetch cue subscribe to the raw stream.
		d.logger.Warn("skipping truncated envelope",
			"type", env.Type,
			"action", env.Action,
		)
		return
	}

	switch env.Action {
	case domain.ActionInsert:
		if d.handlers.OnCreated != nil {
			d.handlers.OnCreated(env.Record)
		}

	case domain.ActionUpdate:
		if d.handlers.OnUpdated != nil && d.updateApplies(rule, env) {
			d.handlers.OnUpdated(env.Record, env.OldRecord)
		}
		for _, trig := range d.triggers[env.Type] {
			if env.FieldChanged(trig.Field) {
				trig.Fire(env.Record, env.OldRecord)
			}
		}

	case domain.ActionDelete:
		if d.handlers.OnDeleted != nil {
			d.handlers.OnDeleted(env.Subject())
		}

	default:
		// DecodeEnvelope rejects unknown actions; this guards hand-built
		// envelopes passed straight to Dispatch.
		d.logger.Warn("dropping envelope with unknown action", "action", env.Action)
	}
}

func (d *Dispatcher) updateApplies(rule TagRule, env domain.ChangeEnvelope) bool {
	if len(rule.WatchFields) == 0 {
		return true
	}
	for _, field := range rule.WatchFields {
		if env.FieldChanged(field) {
			return true
		}
	}
	return false
}
