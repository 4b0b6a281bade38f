// package leases schedules future revocation actions against cloud objects.
// A lease is a DynamoDB record with a TTL on its expiration time; the
// table's change feed delivers removal events which the dispatcher turns
// into terminal actions (terminate or stop an instance, toggle routing).
package leases

import (
	"fmt"
	"strings"
	"time"
)

// ResourceType identifies the kind of cloud object a lease acts on.
type ResourceType string

const (
	ResourceCompute       ResourceType = "EC2"
	ResourceSubnetRouting ResourceType = "SubnetRouting"
)

// Action is the terminal action performed when the lease expires.
type Action string

const (
	ActionTerminate Action = "terminate"
	ActionShutDown  Action = "shut-down"
	ActionPublic    Action = "public"
	ActionPrivate   Action = "private"
)

// DurationUnit is a lease duration unit. The short codes are the wire values
// stored on lease records.
type DurationUnit string

const (
	UnitMinutes DurationUnit = "mi"
	UnitHours   DurationUnit = "hh"
	UnitDays    DurationUnit = "dd"
	UnitWeeks   DurationUnit = "wk"
	UnitMonths  DurationUnit = "mo"
)

// ContextKey scopes a lease to one tenant's cloud: tenant, account, region.
type ContextKey struct {
	TenantID  string
	AccountID string
	Region    string
}

func (k ContextKey) String() string {
	return k.TenantID + "_" + k.AccountID + "_" + k.Region
}

// ParseContextKey splits a stored context key back into its parts.
func ParseContextKey(s string) (ContextKey, error) {
	parts := strings.SplitN(s, "_", 3)
	if len(parts) != 3 {
		return ContextKey{}, fmt.Errorf("malformed context key %q", s)
	}
	return ContextKey{TenantID: parts[0], AccountID: parts[1], Region: parts[2]}, nil
}

// LeaseOptions describe the action and duration of a lease.
type LeaseOptions struct {
	LeaseAction       Action       `dynamodbav:"leaseAction"`
	LeaseDuration     int          `dynamodbav:"leaseDuration"`
	LeaseDurationUnit DurationUnit `dynamodbav:"leaseDurationUnit"`
}

// Record is the persisted lease. At most one record exists per
// (contextKey, objectKey) pair; a new schedule call overwrites any prior
// lease for that object regardless of resource type.
type Record struct {
	ContextKey   string       `dynamodbav:"contextKey"`
	ObjectKey    string       `dynamodbav:"objectKey"`
	ResourceType ResourceType `dynamodbav:"resourceType"`
	Options      LeaseOptions `dynamodbav:"leaseOptions"`

	// StartTime and ExpirationTime are epoch seconds; ExpirationTime doubles
	// as the table's TTL attribute. The ISO mirrors are for display.
	StartTime         int64  `dynamodbav:"startTime"`
	StartTimeISO      string `dynamodbav:"startTimeISO"`
	ExpirationTime    int64  `dynamodbav:"expirationTime"`
	ExpirationTimeISO string `dynamodbav:"expirationTimeISO"`

	// AdditionalInfo carries free-form request context (requester, request
	// id) through to the dispatched action.
	AdditionalInfo map[string]string `dynamodbav:"additionalInfo,omitempty"`
}

// Expired reports whether the lease's deadline has passed. TTL deletion is
// eventual, so readers double-check locally.
func (r *Record) Expired(now time.Time) bool {
	return r.ExpirationTime < now.Unix()
}

// expirationWindow computes the lease window from a start instant. Minutes
// and hours are fixed offsets; days, weeks and months use calendar
// arithmetic. An unknown unit is a validation failure.
func expirationWindow(start time.Time, duration int, unit DurationUnit) (time.Time, error) {
	switch unit {
	case UnitMinutes:
		return start.Add(time.Duration(duration) * time.Minute), nil
	case UnitHours:
		return start.Add(time.Duration(duration) * time.Hour), nil
	case UnitDays:
		return start.AddDate(0, 0, duration), nil
	case UnitWeeks:
		return start.AddDate(0, 0, 7*duration), nil
	case UnitMonths:
		return start.AddDate(0, duration, 0), nil
	default:
		return time.Time{}, &ValidationError{Reason: fmt.Sprintf("unknown lease duration unit %q", unit)}
	}
}

// ValidationError indicates malformed scheduling input, returned before any
// store call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}
