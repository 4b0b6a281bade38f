// package awsx classifies AWS provider errors into the categories the rest
// of leasegate branches on: duplicate rules are idempotent successes, quota
// limits degrade to informational messages, route create/delete tolerate
// already-exists and not-found, and throttling is retryable.
package awsx

import (
	"errors"

	"github.com/aws/smithy-go"
)

// EC2 API error codes. The EC2 service does not model these as typed errors
// in the SDK, so they are matched by code string.
const (
	codeDuplicatePermission       = "InvalidPermission.Duplicate"
	codePermissionNotFound        = "InvalidPermission.NotFound"
	codeGroupsPerInterfaceLimit   = "SecurityGroupsPerInstanceLimitExceeded"
	codeRulesPerGroupLimit        = "RulesPerSecurityGroupLimitExceeded"
	codeRouteAlreadyExists        = "RouteAlreadyExists"
	codeRouteNotFound             = "InvalidRoute.NotFound"
	codeGroupNotFound             = "InvalidGroup.NotFound"
	codeGroupDuplicate            = "InvalidGroup.Duplicate"
	codeRequestLimitExceeded      = "RequestLimitExceeded"
	codeThrottling                = "Throttling"
	codeThrottlingException       = "ThrottlingException"
	codeProvisionedThroughput     = "ProvisionedThroughputExceededException"
	codeInternalError             = "InternalError"
	codeServiceUnavailable        = "ServiceUnavailable"
	codeInsufficientInstanceCap   = "InsufficientInstanceCapacity"
	codeIncorrectInstanceState    = "IncorrectInstanceState"
	codeInstanceNotFound          = "InvalidInstanceID.NotFound"
	codeConditionalCheckFailedDDB = "ConditionalCheckFailedException"
)

func errorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}

// IsDuplicateRule reports whether authorizing a security group rule failed
// because an identical rule already exists.
func IsDuplicateRule(err error) bool {
	return errorCode(err) == codeDuplicatePermission
}

// IsRuleNotFound reports whether revoking a security group rule failed
// because no matching rule exists.
func IsRuleNotFound(err error) bool {
	return errorCode(err) == codePermissionNotFound
}

// IsAssociationLimitExceeded reports whether attaching a security group hit
// the per-network-interface group limit.
func IsAssociationLimitExceeded(err error) bool {
	return errorCode(err) == codeGroupsPerInterfaceLimit
}

// IsRuleLimitExceeded reports whether authorizing a rule hit the
// rules-per-group quota.
func IsRuleLimitExceeded(err error) bool {
	return errorCode(err) == codeRulesPerGroupLimit
}

func IsRouteAlreadyExists(err error) bool {
	return errorCode(err) == codeRouteAlreadyExists
}

func IsRouteNotFound(err error) bool {
	return errorCode(err) == codeRouteNotFound
}

func IsGroupNotFound(err error) bool {
	return errorCode(err) == codeGroupNotFound
}

// IsGroupDuplicate reports whether creating a security group failed because
// a group with the same name already exists in the VPC. The allocator relies
// on this as its conditional-create reservation.
func IsGroupDuplicate(err error) bool {
	return errorCode(err) == codeGroupDuplicate
}

func IsInstanceNotFound(err error) bool {
	return errorCode(err) == codeInstanceNotFound
}

func IsConditionalCheckFailed(err error) bool {
	return errorCode(err) == codeConditionalCheckFailedDDB
}

// IsTransient reports whether the error is a throttling or availability
// failure that is safe to retry.
func IsTransient(err error) bool {
	switch errorCode(err) {
	case codeRequestLimitExceeded,
		codeThrottling,
		codeThrottlingException,
		codeProvisionedThroughput,
		codeInternalError,
		codeServiceUnavailable,
		codeInsufficientInstanceCap,
		codeIncorrectInstanceState:
		return true
	}
	return false
}
