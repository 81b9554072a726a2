package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Action identifies the kind of row change an envelope describes.
type Action string

const (
	ActionInsert Action = "INSERT"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// Valid reports whether the action is one of the closed INSERT/UPDATE/DELETE set.
func (a Action) Valid() bool {
	switch a {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	}
	return false
}

// Domain type tags carried in the "type" field of a wire frame. One tag per
// source table; several tags may concern the same on-screen entity.
const (
	TagTicketUpdate           = "ticket_update"
	TagCompanyUpdate          = "company_update"
	TagAgentUpdate            = "agent_update"
	TagClientAssignmentUpdate = "client_assignment_update"
	TagPersonalInfoUpdate     = "personal_info_update"
	TagJobInfoUpdate          = "job_info_update"
	TagCompanyActivityUpdate  = "company_activity_update"
	TagBreakUpdate            = "break_update"
	TagAnnouncementUpdate     = "announcement_update"
	TagApplicantUpdate        = "applicant_update"
	TagMemberUpdate           = "member_update"
)

// Record is a row snapshot as it appears on the wire. Its shape depends on
// the source table; typed dispatchers decode it at the boundary.
type Record map[string]any

// ID returns the record's primary key as a string, or "" if absent.
// Numeric ids are normalized so that 42 and "42" compare equal.
func (r Record) ID() string {
	v, ok := r["id"]
	if !ok {
		return ""
	}
	switch id := v.(type) {
	case string:
		return id
	case float64:
		// encoding/json decodes all JSON numbers to float64.
		return fmt.Sprintf("%.0f", id)
	case int64:
		return fmt.Sprintf("%d", id)
	case int:
		return fmt.Sprintf("%d", id)
	default:
		return fmt.Sprintf("%v", id)
	}
}

// Field returns the named field's value as it appears on the wire, or nil
// if absent. No normalization; numbers come back as float64.
func (r Record) Field(name string) any {
	return r[name]
}

// ChangeEnvelope is the unit of realtime data transfer: one row-level change
// tagged with the domain it concerns.
type ChangeEnvelope struct {
	Type      string    // domain type tag, e.g. "ticket_update"
	Table     string    // source table name
	Action    Action    // INSERT, UPDATE or DELETE
	Record    Record    // current row state; nil for some DELETEs
	OldRecord Record    // prior row state; present for UPDATE and DELETE
	Timestamp time.Time // emission time, advisory only
}

// Subject returns the record a post-change consumer should act on: the old
// record for deletes (falling back to the current one), the current record
// otherwise.
func (e ChangeEnvelope) Subject() Record {
	if e.Action == ActionDelete && e.OldRecord != nil {
		return e.OldRecord
	}
	return e.Record
}

// Truncated reports whether the envelope carries no row data at all. The
// gateway's row triggers strip record and old_record from payloads too large
// for pg_notify, keeping only table and action; consumers should treat such
// an envelope as a cue to refetch the collection.
func (e ChangeEnvelope) Truncated() bool {
	return e.Record == nil && e.OldRecord == nil
}

// FieldChanged reports whether the named field differs between the new and
// old records of an UPDATE. Values are compared by their JSON representation
// so that nested objects and arrays compare structurally.
func (e ChangeEnvelope) FieldChanged(field string) bool {
	if e.OldRecord == nil {
		return false
	}
	return !jsonEqual(e.Record[field], e.OldRecord[field])
}

func jsonEqual(a, b any) bool {
	if a == nil && b == nil {
		return true
	}
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}

// wireMessage is the JSON frame exchanged with the gateway.
type wireMessage struct {
	Type string   `json:"type"`
	Data wireData `json:"data"`
}

type wireData struct {
	Table     string `json:"table"`
	Action    string `json:"action"`
	Record    Record `json:"record,omitempty"`
	OldRecord Record `json:"old_record,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
}

// Envelope decode errors.
var (
	ErrMalformedFrame = errors.New("malformed change frame")
	ErrUnknownAction  = errors.New("unknown change action")
)

// DecodeEnvelope parses one wire frame into a ChangeEnvelope. Frames with
// unparseable JSON, a missing type, or an action outside the closed set are
// rejected; callers log and drop them without tearing the connection down.
func DecodeEnvelope(frame []byte) (ChangeEnvelope, error) {
	var msg wireMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return ChangeEnvelope{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	return envelopeFromWire(msg)
}

func envelopeFromWire(msg wireMessage) (ChangeEnvelope, error) {
	if msg.Type == "" {
		return ChangeEnvelope{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	action := Action(msg.Data.Action)
	if !action.Valid() {
		return ChangeEnvelope{}, fmt.Errorf("%w: %q", ErrUnknownAction, msg.Data.Action)
	}

	// A frame may legitimately carry no row data: the gateway strips records
	// from oversized notifications. Such envelopes decode as Truncated.
	env := ChangeEnvelope{
		Type:      msg.Type,
		Table:     msg.Data.Table,
		Action:    action,
		Record:    msg.Data.Record,
		OldRecord: msg.Data.OldRecord,
	}
	if msg.Data.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339, msg.Data.Timestamp); err == nil {
			env.Timestamp = ts
		}
	}
	return env, nil
}

// EncodeEnvelope renders an envelope back into its wire frame.
func EncodeEnvelope(env ChangeEnvelope) ([]byte, error) {
	msg := wireMessage{
		Type: env.Type,
		Data: wireData{
			Table:     env.Table,
			Action:    string(env.Action),
			Record:    env.Record,
			OldRecord: env.OldRecord,
		},
	}
	if !env.Timestamp.IsZero() {
		msg.Data.Timestamp = env.Timestamp.UTC().Format(time.RFC3339)
	}
	return json.Marshal(msg)
}
