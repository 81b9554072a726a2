package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opsdeck/realtime-backend/internal/core/domain"
	"github.com/opsdeck/realtime-backend/internal/core/ports"
)

// tableTags maps source tables to the domain type tags carried on the wire.
// Tables outside this map never reach the hub.
var tableTags = map[string]string{
	"tickets":            domain.TagTicketUpdate,
	"companies":          domain.TagCompanyUpdate,
	"members":            domain.TagMemberUpdate,
	"agents":             domain.TagAgentUpdate,
	"break_sessions":     domain.TagBreakUpdate,
	"announcements":      domain.TagAnnouncementUpdate,
	"applicants":         domain.TagApplicantUpdate,
	"personal_info":      domain.TagPersonalInfoUpdate,
	"job_info":           domain.TagJobInfoUpdate,
	"client_assignments": domain.TagClientAssignmentUpdate,
	"company_activities": domain.TagCompanyActivityUpdate,
}

// ChangeFeedConfig holds the feed's runtime settings.
type ChangeFeedConfig struct {
	// Channel is the NOTIFY channel the row triggers publish to.
	Channel string

	// RetryDelay is the wait before re-listening after a feed error.
	RetryDelay time.Duration
}

// ChangeFeed is the secondary adapter for row-level change notifications:
// it LISTENs on a Postgres channel fed by row triggers and forwards each
// payload to the broadcaster as a ChangeEnvelope.
type ChangeFeed struct {
	pool        *pgxpool.Pool
	broadcaster ports.EventBroadcaster
	cfg         ChangeFeedConfig
	logger      *slog.Logger

	listening atomic.Bool
}

// Ensure ChangeFeed implements the ChangeSource interface.
var _ ports.ChangeSource = (*ChangeFeed)(nil)

// NewChangeFeed creates a change feed on the given pool.
func NewChangeFeed(pool *pgxpool.Pool, broadcaster ports.EventBroadcaster, cfg ChangeFeedConfig, logger *slog.Logger) *ChangeFeed {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	return &ChangeFeed{
		pool:        pool,
		broadcaster: broadcaster,
		cfg:         cfg,
		logger:      logger.With("component", "change_feed"),
	}
}

// Run listens for notifications until the context is cancelled. Any listen
// error releases the session, waits the retry delay and starts over; the
// feed mirrors the client's philosophy of unbounded, fixed-delay retries.
func (f *ChangeFeed) Run(ctx context.Context) error {
	for {
		err := f.listen(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		f.logger.Warn("change feed interrupted",
			"error", err,
			"retry_in", f.cfg.RetryDelay,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.cfg.RetryDelay):
		}
	}
}

// Listening reports whether a LISTEN session is currently attached. False
// means notifications are being missed; readiness checks surface this.
func (f *ChangeFeed) Listening() bool {
	return f.listening.Load()
}

// listen holds one pooled session for the lifetime of the subscription.
// LISTEN state is per-session, so the connection must not return to the
// pool while we wait.
func (f *ChangeFeed) listen(ctx context.Context) error {
	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen session: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.cfg.Channel}.Sanitize()); err != nil {
		return fmt.Errorf("listen on %s: %w", f.cfg.Channel, err)
	}

	f.listening.Store(true)
	defer f.listening.Store(false)

	f.logger.Info("change feed listening", "channel", f.cfg.Channel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		f.handlePayload([]byte(notification.Payload))
	}
}

func (f *ChangeFeed) handlePayload(payload []byte) {
	env, err := decodeNotifyPayload(payload)
	if err != nil {
		f.logger.Warn("dropping malformed notify payload", "error", err)
		return
	}
	if err := f.broadcaster.Broadcast(env); err != nil {
		f.logger.Warn("broadcast failed",
			"type", env.Type,
			"action", env.Action,
			"error", err,
		)
	}
}

// notifyPayload is the JSON the notify_row_change trigger emits.
type notifyPayload struct {
	Table     string        `json:"table"`
	Action    string        `json:"action"`
	Record    domain.Record `json:"record"`
	OldRecord domain.Record `json:"old_record"`
	Timestamp string        `json:"timestamp"`
}

// decodeNotifyPayload turns one trigger payload into a tagged envelope.
func decodeNotifyPayload(raw []byte) (domain.ChangeEnvelope, error) {
	var p notifyPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return domain.ChangeEnvelope{}, fmt.Errorf("%w: %v", domain.ErrMalformedFrame, err)
	}

	tag, ok := tableTags[p.Table]
	if !ok {
		return domain.ChangeEnvelope{}, fmt.Errorf("%w: unknown table %q", domain.ErrMalformedFrame, p.Table)
	}

	action := domain.Action(p.Action)
	if !action.Valid() {
		return domain.ChangeEnvelope{}, fmt.Errorf("%w: %q", domain.ErrUnknownAction, p.Action)
	}

	// Record-less payloads are forwarded, not rejected: the trigger strips
	// row data from notifications too large for pg_notify, and clients use
	// the resulting truncated envelope as a refetch cue.
	env := domain.ChangeEnvelope{
		Type:      tag,
		Table:     p.Table,
		Action:    action,
		Record:    p.Record,
		OldRecord: p.OldRecord,
	}
	if p.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, p.Timestamp); err == nil {
			env.Timestamp = ts
		}
	}
	return env, nil
}
