package domain

import (
	"encoding/json"
	"fmt"
)

// Typed row shapes for the dashboard entities. The wire carries loosely
// structured records; consumers that want static typing decode at the
// dispatch boundary with DecodeRecord.

// Ticket is a support or request ticket on the operations board.
type Ticket struct {
	ID          int64   `json:"id"`
	Subject     string  `json:"subject"`
	Category    string  `json:"category"`
	Status      string  `json:"status"`
	Priority    string  `json:"priority"`
	RequesterID *int64  `json:"requester_id"`
	AssigneeID  *int64  `json:"assignee_id"`
	CompanyID   *int64  `json:"company_id"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   *string `json:"updated_at"`
}

// Company is a client company managed through the dashboard.
type Company struct {
	ID        int64   `json:"id"`
	Name      string  `json:"name"`
	Badge     string  `json:"badge"`
	MemberID  *int64  `json:"member_id"`
	Country   *string `json:"country"`
	CreatedAt string  `json:"created_at"`
}

// Member is a staff member (agent) account.
type Member struct {
	ID        int64   `json:"id"`
	FullName  string  `json:"full_name"`
	Email     string  `json:"email"`
	Role      string  `json:"role"`
	CompanyID *int64  `json:"company_id"`
	Active    bool    `json:"active"`
	AvatarURL *string `json:"avatar_url"`
}

// BreakSession is one agent break interval.
type BreakSession struct {
	ID        int64   `json:"id"`
	MemberID  int64   `json:"member_id"`
	BreakType string  `json:"break_type"`
	StartedAt string  `json:"started_at"`
	EndedAt   *string `json:"ended_at"`
	Paused    bool    `json:"paused"`
}

// Announcement is a dashboard-wide notice.
type Announcement struct {
	ID          int64   `json:"id"`
	Title       string  `json:"title"`
	Body        string  `json:"body"`
	Priority    string  `json:"priority"`
	PublishedAt *string `json:"published_at"`
	ExpiresAt   *string `json:"expires_at"`
	CreatedBy   *int64  `json:"created_by"`
}

// Applicant is a candidate tracked on the recruitment board.
type Applicant struct {
	ID        int64   `json:"id"`
	FullName  string  `json:"full_name"`
	Position  string  `json:"position"`
	Stage     string  `json:"stage"`
	Email     *string `json:"email"`
	ResumeURL *string `json:"resume_url"`
	CreatedAt string  `json:"created_at"`
}

// PersonalInfo holds HR onboarding personal details for a member.
type PersonalInfo struct {
	ID       int64   `json:"id"`
	MemberID int64   `json:"member_id"`
	Phone    *string `json:"phone"`
	Address  *string `json:"address"`
	Birthday *string `json:"birthday"`
}

// JobInfo holds HR job details for a member.
type JobInfo struct {
	ID        int64   `json:"id"`
	MemberID  int64   `json:"member_id"`
	JobTitle  string  `json:"job_title"`
	StartDate *string `json:"start_date"`
	Salary    *string `json:"salary"`
}

// ClientAssignment links a client company to the agent handling it.
type ClientAssignment struct {
	ID        int64 `json:"id"`
	CompanyID int64 `json:"company_id"`
	MemberID  int64 `json:"member_id"`
}

// DecodeRecord converts a wire record into a typed row shape. Unknown fields
// are ignored; missing fields keep their zero value.
func DecodeRecord[T any](r Record) (T, error) {
	var out T
	raw, err := json.Marshal(r)
	if err != nil {
		return out, fmt.Errorf("encode record: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("decode record: %w", err)
	}
	return out, nil
}
