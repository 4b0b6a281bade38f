// package grants manages time-boxed firewall whitelist rules for instances:
// allocating capacity-bounded security groups, authorizing mirrored
// ingress/egress rules, and revoking them by requester, by description, or
// by expiry. Grant metadata travels in the rule description field, the only
// persistence the provider offers per rule.
package grants

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// descDelimiter joins the encoded description fields. Field values must not
// contain it; Encode rejects them if they do.
const descDelimiter = ", "

// ErrMalformedDescription is returned by DecodeDescription when a rule
// description was not produced by EncodeDescription. Callers walking
// provider rule sets skip these rules rather than failing the walk.
var ErrMalformedDescription = errors.New("rule description is not in the expected format")

// Grant is the metadata carried in one whitelist rule's description.
type Grant struct {
	Requester string
	GrantKey  string
	IP        string
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the grant's expiry has passed. Expiry is always
// derived at read time, never stored as a flag.
func (g Grant) Expired(now time.Time) bool {
	return now.After(g.ExpiresAt)
}

// EncodeDescription packs grant metadata into a rule description. Timestamps
// are epoch milliseconds; expiry is now plus the duration.
func EncodeDescription(now time.Time, requester, grantKey, ip string, duration time.Duration) (string, error) {
	for _, field := range []string{requester, grantKey, ip} {
		if strings.Contains(field, descDelimiter) {
			return "", &ValidationError{Reason: fmt.Sprintf("field %q must not contain %q", field, descDelimiter)}
		}
	}
	createdAt := now.UnixMilli()
	expiresAt := now.Add(duration).UnixMilli()
	return strings.Join([]string{
		requester,
		grantKey,
		strconv.FormatInt(createdAt, 10),
		strconv.FormatInt(expiresAt, 10),
		ip,
	}, descDelimiter), nil
}

// DecodeDescription parses a rule description produced by EncodeDescription.
func DecodeDescription(s string) (Grant, error) {
	parts := strings.Split(s, descDelimiter)
	if len(parts) != 5 {
		return Grant{}, ErrMalformedDescription
	}
	createdAt, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Grant{}, ErrMalformedDescription
	}
	expiresAt, err := strconv.ParseInt(parts[3], 10, 64)
	if err != nil {
		return Grant{}, ErrMalformedDescription
	}
	return Grant{
		Requester: parts[0],
		GrantKey:  parts[1],
		IP:        parts[4],
		CreatedAt: time.UnixMilli(createdAt),
		ExpiresAt: time.UnixMilli(expiresAt),
	}, nil
}
