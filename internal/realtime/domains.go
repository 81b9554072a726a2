package realtime

import (
	"log/slog"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
)

// Per-domain dispatcher constructors. Each one is the table-driven
// replacement for what used to be a hand-copied per-entity hook: the tags it
// matches, its update gating and its cross-entity triggers live in the
// config, while decoding into the typed row shape happens here at the
// boundary.

// TicketHandlers receive decoded ticket rows.
type TicketHandlers struct {
	OnCreated func(domain.Ticket)
	OnUpdated func(current, previous domain.Ticket)
	OnDeleted func(domain.Ticket)
}

// NewTicketDispatcher reacts to ticket row changes.
func NewTicketDispatcher(h TicketHandlers, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(
		DispatcherConfig{
			Domain: "tickets",
			Rules:  []TagRule{{Tag: domain.TagTicketUpdate}},
		},
		Handlers{
			OnCreated: decodeOne(h.OnCreated, logger),
			OnUpdated: decodePair(h.OnUpdated, logger),
			OnDeleted: decodeOne(h.OnDeleted, logger),
		},
		logger,
	)
}

// CompanyHandlers receive decoded company rows plus the satellite-table
// changes that affect the same on-screen entity.
type CompanyHandlers struct {
	OnCreated func(domain.Company)
	OnUpdated func(current, previous domain.Company)
	OnDeleted func(domain.Company)

	// OnAssignmentChanged fires when the agent handling a company changes,
	// derived from a generic company update by diffing member_id.
	OnAssignmentChanged func(current, previous domain.Company)

	// OnRelated receives agent, assignment, personal/job info and activity
	// changes. These rows have their own shapes, so the raw envelope is
	// passed through for the consumer to decode or use as a refetch signal.
	OnRelated func(env domain.ChangeEnvelope)
}

// NewCompanyDispatcher reacts to company rows and the satellite tables that
// feed the same client view.
func NewCompanyDispatcher(h CompanyHandlers, logger *slog.Logger) *Dispatcher {
	cfg := DispatcherConfig{
		Domain: "companies",
		Rules:  []TagRule{{Tag: domain.TagCompanyUpdate}},
		RelatedTags: []string{
			domain.TagAgentUpdate,
			domain.TagClientAssignmentUpdate,
			domain.TagPersonalInfoUpdate,
			domain.TagJobInfoUpdate,
			domain.TagCompanyActivityUpdate,
		},
	}
	if h.OnAssignmentChanged != nil {
		fire := decodePair(h.OnAssignmentChanged, logger)
		cfg.Triggers = []FieldTrigger{{
			Tag:   domain.TagCompanyUpdate,
			Field: "member_id",
			Fire: func(record, previous domain.Record) {
				fire(record, previous)
			},
		}}
	}
	return NewDispatcher(
		cfg,
		Handlers{
			OnCreated: decodeOne(h.OnCreated, logger),
			OnUpdated: decodePair(h.OnUpdated, logger),
			OnDeleted: decodeOne(h.OnDeleted, logger),
			OnRelated: h.OnRelated,
		},
		logger,
	)
}

// BreakHandlers receive decoded break session rows.
type BreakHandlers struct {
	OnCreated func(domain.BreakSession)
	OnUpdated func(current, previous domain.BreakSession)
	OnDeleted func(domain.BreakSession)
}

// NewBreakDispatcher reacts to break session changes.
func NewBreakDispatcher(h BreakHandlers, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(
		DispatcherConfig{
			Domain: "breaks",
			Rules:  []TagRule{{Tag: domain.TagBreakUpdate}},
		},
		Handlers{
			OnCreated: decodeOne(h.OnCreated, logger),
			OnUpdated: decodePair(h.OnUpdated, logger),
			OnDeleted: decodeOne(h.OnDeleted, logger),
		},
		logger,
	)
}

// AnnouncementHandlers receive decoded announcement rows.
type AnnouncementHandlers struct {
	OnCreated func(domain.Announcement)
	OnUpdated func(current, previous domain.Announcement)
	OnDeleted func(domain.Announcement)
}

// NewAnnouncementDispatcher reacts to announcement changes.
func NewAnnouncementDispatcher(h AnnouncementHandlers, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(
		DispatcherConfig{
			Domain: "announcements",
			Rules:  []TagRule{{Tag: domain.TagAnnouncementUpdate}},
		},
		Handlers{
			OnCreated: decodeOne(h.OnCreated, logger),
			OnUpdated: decodePair(h.OnUpdated, logger),
			OnDeleted: decodeOne(h.OnDeleted, logger),
		},
		logger,
	)
}

// ApplicantHandlers receive decoded applicant rows. OnStageChanged is the
// recruitment board's cross-entity callback, fired only when an applicant
// moves between pipeline stages.
type ApplicantHandlers struct {
	OnCreated      func(domain.Applicant)
	OnUpdated      func(current, previous domain.Applicant)
	OnDeleted      func(domain.Applicant)
	OnStageChanged func(current, previous domain.Applicant)
}

// NewApplicantDispatcher reacts to applicant changes.
func NewApplicantDispatcher(h ApplicantHandlers, logger *slog.Logger) *Dispatcher {
	cfg := DispatcherConfig{
		Domain: "applicants",
		Rules:  []TagRule{{Tag: domain.TagApplicantUpdate}},
	}
	if h.OnStageChanged != nil {
		fire := decodePair(h.OnStageChanged, logger)
		cfg.Triggers = []FieldTrigger{{
			Tag:   domain.TagApplicantUpdate,
			Field: "stage",
			Fire: func(record, previous domain.Record) {
				fire(record, previous)
			},
		}}
	}
	return NewDispatcher(
		cfg,
		Handlers{
			OnCreated: decodeOne(h.OnCreated, logger),
			OnUpdated: decodePair(h.OnUpdated, logger),
			OnDeleted: decodeOne(h.OnDeleted, logger),
		},
		logger,
	)
}

// MemberHandlers receive decoded member rows plus HR onboarding satellites.
type MemberHandlers struct {
	OnCreated func(domain.Member)
	OnUpdated func(current, previous domain.Member)
	OnDeleted func(domain.Member)
	OnRelated func(env domain.ChangeEnvelope)
}

// NewMemberDispatcher reacts to member rows and their HR info tables.
func NewMemberDispatcher(h MemberHandlers, logger *slog.Logger) *Dispatcher {
	return NewDispatcher(
		DispatcherConfig{
			Domain: "members",
			Rules:  []TagRule{{Tag: domain.TagMemberUpdate}},
			RelatedTags: []string{
				domain.TagPersonalInfoUpdate,
				domain.TagJobInfoUpdate,
			},
		},
		Handlers{
			OnCreated: decodeOne(h.OnCreated, logger),
			OnUpdated: decodePair(h.OnUpdated, logger),
			OnDeleted: decodeOne(h.OnDeleted, logger),
			OnRelated: h.OnRelated,
		},
		logger,
	)
}

// decodeOne adapts a typed callback to the wire record shape. Rows that fail
// to decode are dropped with a warning rather than reaching the consumer
// half-formed.
func decodeOne[T any](fn func(T), logger *slog.Logger) func(domain.Record) {
	if fn == nil {
		return nil
	}
	return func(r domain.Record) {
		v, err := domain.DecodeRecord[T](r)
		if err != nil {
			warnDecode(logger, err)
			return
		}
		fn(v)
	}
}

// decodePair adapts a typed (current, previous) callback. A missing previous
// record decodes to the zero value.
func decodePair[T any](fn func(T, T), logger *slog.Logger) func(domain.Record, domain.Record) {
	if fn == nil {
		return nil
	}
	return func(record, previous domain.Record) {
		current, err := domain.DecodeRecord[T](record)
		if err != nil {
			warnDecode(logger, err)
			return
		}
		prev, err := domain.DecodeRecord[T](previous)
		if err != nil {
			warnDecode(logger, err)
			return
		}
		fn(current, prev)
	}
}

func warnDecode(logger *slog.Logger, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("dropping record that failed to decode", "error", err)
}
