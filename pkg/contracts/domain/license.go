// Package domain holds the wire types shared by the HTTP server and the
// keyctl client. Field names follow the JSON the desktop and browser
// clients already send and read.
package domain

import (
	"strings"
	"time"
)

// Response status values read by existing clients.
const (
	StatusSuccess          = "SUCCESS"
	StatusValid            = "VALID"
	StatusAlreadyActivated = "ALREADY_ACTIVATED"
	StatusError            = "ERROR"
)

// SendLicenseRequest asks the server to issue a key for a User ID.
// Phone is accepted as an alias for PhoneNumber.
type SendLicenseRequest struct {
	Email       string `json:"email" validate:"required"`
	UserID      string `json:"userId" validate:"required"`
	Name        string `json:"name" validate:"required"`
	PhoneNumber string `json:"phoneNumber" validate:"required"`
	Phone       string `json:"phone,omitempty"`
}

// Normalize trims every field and folds the phone alias.
func (r *SendLicenseRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.UserID = strings.TrimSpace(r.UserID)
	r.Name = strings.TrimSpace(r.Name)
	r.PhoneNumber = strings.TrimSpace(r.PhoneNumber)
	if r.PhoneNumber == "" {
		r.PhoneNumber = strings.TrimSpace(r.Phone)
	}
	r.Phone = ""
}

// SendLicenseResponse reports an issuance. LicenseKey is only present when
// the key could not be emailed.
type SendLicenseResponse struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	LicenseKey string `json:"licenseKey,omitempty"`
}

// ActivateLicenseRequest binds a key to a machine.
type ActivateLicenseRequest struct {
	Email      string `json:"email" validate:"required"`
	LicenseKey string `json:"licenseKey" validate:"required"`
	MachineID  string `json:"machineId" validate:"required"`
}

func (r *ActivateLicenseRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.LicenseKey = strings.TrimSpace(r.LicenseKey)
	r.MachineID = strings.TrimSpace(r.MachineID)
}

// ActivateWebRequest is ActivateLicenseRequest for browsers, which may not
// have a machine id yet.
type ActivateWebRequest struct {
	Email      string `json:"email" validate:"required"`
	LicenseKey string `json:"licenseKey" validate:"required"`
	MachineID  string `json:"machineId,omitempty"`
}

func (r *ActivateWebRequest) Normalize() {
	r.Email = strings.TrimSpace(r.Email)
	r.LicenseKey = strings.TrimSpace(r.LicenseKey)
	r.MachineID = strings.TrimSpace(r.MachineID)
}

// ActivateLicenseResponse is returned for both Activated (status VALID) and
// AlreadyActivated outcomes.
type ActivateLicenseResponse struct {
	Status      string     `json:"status"`
	Message     string     `json:"message"`
	MachineID   string     `json:"machineId,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
}

// TestUserIDRequest checks a User ID without consuming it.
type TestUserIDRequest struct {
	UserID string `json:"userId" validate:"required"`
}

func (r *TestUserIDRequest) Normalize() {
	r.UserID = strings.TrimSpace(r.UserID)
}

type TestUserIDResponse struct {
	Status           string `json:"status"`
	UserID           string `json:"userId"`
	IsValidAndUnused bool   `json:"isValidAndUnused"`
	Message          string `json:"message"`
}

// LicenseView is the masked public view of a record. It never carries the
// owner's email or the bound machine id.
type LicenseView struct {
	LicenseKey   string     `json:"licenseKey"`
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"createdAt"`
	ActivatedAt  *time.Time `json:"activatedAt,omitempty"`
	MachineBound bool       `json:"machineBound"`
}

// ServerStatusResponse is served at the root path.
type ServerStatusResponse struct {
	Status          string    `json:"status"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	EmailConfigured bool      `json:"emailConfigured"`
	Provider        string    `json:"provider"`
	StoreDriver     string    `json:"storeDriver"`
	Version         string    `json:"version,omitempty"`
}

// License error codes carried in the error_code member of problem
// documents.
const (
	ErrCodeValidationFailed   = "VALIDATION_FAILED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidUserID      = "INVALID_USER_ID"
	ErrCodeUserIDUsed         = "USER_ID_ALREADY_USED"
	ErrCodeInvalidLicenseKey  = "INVALID_LICENSE_KEY"
	ErrCodeEmailMismatch      = "EMAIL_MISMATCH"
	ErrCodeMachineConflict    = "MACHINE_CONFLICT"
	ErrCodeDeliveryFailed     = "DELIVERY_FAILED"
	ErrCodeKeyspaceExhausted  = "KEYSPACE_EXHAUSTED"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeRegistry           = "REGISTRY_ERROR"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeRateLimitExceeded  = "RATE_LIMIT_EXCEEDED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)
