package grants

import (
	"fmt"
	"net/netip"
)

// Family is an IP address family. Security group rule capacity is counted
// per family, and v4/v6 rules live in separate range buckets on a rule.
type Family string

const (
	FamilyIPv4 Family = "IPv4"
	FamilyIPv6 Family = "IPv6"
)

// ValidationError indicates malformed caller input. It is returned before
// any provider call is made.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// ParseIP validates an IP address and reports its family.
func ParseIP(ip string) (Family, error) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return "", &ValidationError{Reason: fmt.Sprintf("the IP address provided (%s) has an invalid format", ip)}
	}
	if addr.Is4() {
		return FamilyIPv4, nil
	}
	return FamilyIPv6, nil
}

// HostCIDR returns the single-address CIDR for an IP: /32 for v4, /128 for v6.
func HostCIDR(ip string, family Family) string {
	if family == FamilyIPv4 {
		return ip + "/32"
	}
	return ip + "/128"
}
