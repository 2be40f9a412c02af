package storage

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm/clause"
)

// ConflictPolicy selects how SQLite resolves a constraint violation on insert.
type ConflictPolicy int

const (
	// ConflictAbort aborts the statement and keeps prior changes of the transaction.
	ConflictAbort ConflictPolicy = iota
	// ConflictRollback aborts the statement and rolls back the whole transaction.
	ConflictRollback
	// ConflictFail stops at the failing row and keeps rows already written by the statement.
	ConflictFail
	// ConflictIgnore skips the conflicting row.
	ConflictIgnore
	// ConflictReplace deletes the conflicting row before inserting the new one.
	ConflictReplace
)

// ErrUnknownConflictPolicy indicates a policy name that does not map to a ConflictPolicy.
var ErrUnknownConflictPolicy = errors.New("storage: unknown conflict policy")

var conflictPolicyNames = map[ConflictPolicy]string{
	ConflictAbort:    "abort",
	ConflictRollback: "rollback",
	ConflictFail:     "fail",
	ConflictIgnore:   "ignore",
	ConflictReplace:  "replace",
}

// ParseConflictPolicy converts a policy name into a ConflictPolicy.
func ParseConflictPolicy(rawInput string) (ConflictPolicy, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawInput))
	for policy, name := range conflictPolicyNames {
		if name == normalized {
			return policy, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownConflictPolicy, rawInput)
}

// String returns the lower-case policy name.
func (policy ConflictPolicy) String() string {
	name, ok := conflictPolicyNames[policy]
	if !ok {
		return fmt.Sprintf("ConflictPolicy(%d)", int(policy))
	}
	return name
}

// Clause returns the INSERT modifier clause for the policy.
// An out-of-range policy is a programming error and panics.
func (policy ConflictPolicy) Clause() clause.Insert {
	name, ok := conflictPolicyNames[policy]
	if !ok {
		panic(fmt.Sprintf("storage: conflict policy %d is not defined", int(policy)))
	}
	return clause.Insert{Modifier: "OR " + strings.ToUpper(name)}
}
