// Package domain holds the entities shared across the Strata components.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// NewID returns a collision-resistant opaque identifier.
func NewID() string {
	return uuid.New().String()
}

// User is an account in the identity layer. Users are deactivated, never
// destroyed while owned records exist.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	IsAdmin      bool      `json:"is_admin"`
	IsActive     bool      `json:"is_active"`
	TokenEpoch   int64     `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FieldType enumerates the types a collection field may have.
type FieldType string

const (
	FieldString    FieldType = "string"
	FieldNumber    FieldType = "number"
	FieldInteger   FieldType = "integer"
	FieldBoolean   FieldType = "boolean"
	FieldArray     FieldType = "array"
	FieldObject    FieldType = "object"
	FieldDate      FieldType = "date"
	FieldReference FieldType = "reference"
)

// ValidFieldType reports whether t is a known field type.
func ValidFieldType(t FieldType) bool {
	switch t {
	case FieldString, FieldNumber, FieldInteger, FieldBoolean,
		FieldArray, FieldObject, FieldDate, FieldReference:
		return true
	}
	return false
}

// FieldDef describes a single field of a collection schema.
type FieldDef struct {
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Required   bool      `json:"required,omitempty"`
	Unique     bool      `json:"unique,omitempty"`
	Default    any       `json:"default,omitempty"`
	Min        *float64  `json:"min,omitempty"`
	Max        *float64  `json:"max,omitempty"`
	MinLength  *int      `json:"min_length,omitempty"`
	MaxLength  *int      `json:"max_length,omitempty"`
	Pattern    string    `json:"pattern,omitempty"`
	Collection string    `json:"collection,omitempty"` // reference target
}

// Collection is a dynamic, schema-driven record collection.
type Collection struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Label         string     `json:"label"`
	Schema        []FieldDef `json:"schema"`
	SchemaVersion int64      `json:"schema_version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Record is one row of a collection. Data obeys the compiled schema.
type Record struct {
	ID             string         `json:"id"`
	CollectionName string         `json:"collection_name"`
	OwnerID        *string        `json:"owner_id,omitempty"`
	Data           map[string]any `json:"data"`
	Version        int64          `json:"version"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuthLevel controls who may invoke a function.
type AuthLevel string

const (
	AuthPublic AuthLevel = "public"
	AuthUser   AuthLevel = "auth"
	AuthAdmin  AuthLevel = "admin"
)

// FunctionDefinition is the durable identity of a user-authored function.
type FunctionDefinition struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description"`
	AuthLevel    AuthLevel `json:"auth_level"`
	Tags         []string  `json:"tags,omitempty"`
	ModuleSource string    `json:"module_source,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FunctionVersion is one content-hashed revision of a function's source.
// Exactly one version per function is active.
type FunctionVersion struct {
	ID           string    `json:"id"`
	FunctionName string    `json:"function_name"`
	ContentHash  string    `json:"content_hash"`
	SourceText   string    `json:"source_text,omitempty"`
	InlineDeps   []string  `json:"inline_deps,omitempty"`
	DeployedBy   string    `json:"deployed_by"`
	DeployedAt   time.Time `json:"deployed_at"`
	Notes        string    `json:"notes,omitempty"`
	IsActive     bool      `json:"is_active"`
}

// Trigger identifies what started an invocation.
type Trigger string

const (
	TriggerManual   Trigger = "manual"
	TriggerSchedule Trigger = "schedule"
	TriggerAPI      Trigger = "api"
)

// CallStatus is the lifecycle state of a FunctionCall.
type CallStatus string

const (
	CallPending   CallStatus = "pending"
	CallRunning   CallStatus = "running"
	CallSucceeded CallStatus = "succeeded"
	CallFailed    CallStatus = "failed"
	CallTimedOut  CallStatus = "timed_out"
	CallCancelled CallStatus = "cancelled"
)

// Terminal reports whether s is a final state. Terminal states never change.
func (s CallStatus) Terminal() bool {
	switch s {
	case CallSucceeded, CallFailed, CallTimedOut, CallCancelled:
		return true
	}
	return false
}

// FunctionCall is one invocation from pending to a terminal state.
type FunctionCall struct {
	ID           string          `json:"id"`
	FunctionName string          `json:"function_name"`
	VersionID    string          `json:"version_id"`
	Trigger      Trigger         `json:"trigger"`
	CallerID     string          `json:"caller_id"`
	Status       CallStatus      `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	DurationMS   *int64          `json:"duration_ms,omitempty"`
	Input        json.RawMessage `json:"input,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorType    string          `json:"error_type,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ScheduleMethod is the kind of a schedule spec.
type ScheduleMethod string

const (
	ScheduleOnce     ScheduleMethod = "once"
	ScheduleInterval ScheduleMethod = "interval"
	ScheduleCron     ScheduleMethod = "cron"
)

// ScheduleSpec is the tagged union carried on a schedule row.
type ScheduleSpec struct {
	Method      ScheduleMethod `json:"method"`
	Timezone    string         `json:"timezone"`
	Date        string         `json:"date,omitempty"` // YYYY-MM-DD, once
	Time        string         `json:"time,omitempty"` // HH:MM:SS, once
	Unit        string         `json:"unit,omitempty"` // seconds|minutes|hours|days, interval
	Value       int            `json:"value,omitempty"`
	Cron        string         `json:"cron,omitempty"` // 5-field expression
	Description string         `json:"description,omitempty"`
}

// FunctionSchedule drives recurring or one-shot fires of a function.
type FunctionSchedule struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	FunctionName string          `json:"function_name"`
	Spec         ScheduleSpec    `json:"schedule"`
	Input        json.RawMessage `json:"input,omitempty"`
	IsActive     bool            `json:"is_active"`
	NextRunAt    *time.Time      `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time      `json:"last_run_at,omitempty"`
	LastCallID   *string         `json:"last_call_id,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ApplicationToken is a long-lived API credential. Only the hash is stored;
// the plaintext is returned exactly once at creation.
type ApplicationToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// SettingType enumerates the value types a runtime setting may declare.
type SettingType string

const (
	SettingString SettingType = "string"
	SettingInt    SettingType = "int"
	SettingFloat  SettingType = "float"
	SettingBool   SettingType = "bool"
	SettingJSON   SettingType = "json"
)

// Setting is one runtime-editable key. Core keys live under the reserved
// "core." prefix; extension keys under "ext.<name>.".
type Setting struct {
	Key       string      `json:"key"`
	Value     string      `json:"value"`
	ValueType SettingType `json:"value_type"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// Caller identifies who is invoking a function.
type Caller struct {
	UserID  string
	IsAdmin bool
	System  bool
}

// SystemCaller is used by the scheduler and internal jobs.
var SystemCaller = Caller{UserID: "system", IsAdmin: true, System: true}
