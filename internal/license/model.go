package license

import (
	"strings"
	"time"
)

// Status is the lifecycle state of a license record.
type Status string

const (
	StatusAssigned  Status = "ASSIGNED"
	StatusActivated Status = "ACTIVATED"
)

// Valid reports whether s is one of the two lifecycle states.
func (s Status) Valid() bool {
	return s == StatusAssigned || s == StatusActivated
}

// License is a minted license key and its machine binding.
//
// MachineID and ActivatedAt are set together, exactly once, by the
// ASSIGNED to ACTIVATED transition. Nothing else on a record changes.
type License struct {
	LicenseKey  string     `json:"licenseKey"`
	Email       string     `json:"email"`
	UserID      string     `json:"userId,omitempty"`
	Name        string     `json:"name,omitempty"`
	Phone       string     `json:"phone,omitempty"`
	Status      Status     `json:"status"`
	MachineID   string     `json:"machineId,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
}

// EffectiveStatus returns the record's status, treating a record stored
// without one as ACTIVATED when it carries a machine ID.
func (l *License) EffectiveStatus() Status {
	if l.Status.Valid() {
		return l.Status
	}
	if l.MachineID != "" {
		return StatusActivated
	}
	return StatusAssigned
}

// Clone returns a deep copy so callers cannot mutate shared records.
func (l *License) Clone() *License {
	if l == nil {
		return nil
	}
	c := *l
	if l.ActivatedAt != nil {
		at := *l.ActivatedAt
		c.ActivatedAt = &at
	}
	return &c
}

// Outcome is the successful result of an activation.
type Outcome int

const (
	// OutcomeActivated means this call bound the license to the machine.
	OutcomeActivated Outcome = iota + 1
	// OutcomeAlreadyActivated means the license was already bound to the
	// same machine; callers treat it as success.
	OutcomeAlreadyActivated
)

func (o Outcome) String() string {
	switch o {
	case OutcomeActivated:
		return "ACTIVATED"
	case OutcomeAlreadyActivated:
		return "ALREADY_ACTIVATED"
	default:
		return "UNKNOWN"
	}
}

// ActivationResult is returned by a successful Activate.
type ActivationResult struct {
	Outcome   Outcome
	License   *License
	MachineID string
}

// IssueRequest carries the caller's identity for a new license.
type IssueRequest struct {
	Email  string
	UserID string
	Name   string
	Phone  string
}

// ActivateRequest binds LicenseKey to MachineID on behalf of Email.
type ActivateRequest struct {
	Email      string
	LicenseKey string
	MachineID  string
}

// Delivery is what the Notification Dispatcher needs to send a key.
type Delivery struct {
	Email      string
	Name       string
	UserID     string
	LicenseKey string
}

// NormalizeKey trims and upper-cases a user-supplied license key.
func NormalizeKey(key string) string {
	return strings.ToUpper(strings.TrimSpace(key))
}

// NormalizeEmail trims an address and, when fold is set, lower-cases it.
func NormalizeEmail(email string, fold bool) string {
	email = strings.TrimSpace(email)
	if fold {
		email = strings.ToLower(email)
	}
	return email
}
