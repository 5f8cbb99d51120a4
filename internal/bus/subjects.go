package bus

import (
	"fmt"
	"strings"
)

// Subject hierarchy:
//
//	{prefix}.commands.{type}  -- dispatched commands (JetStream)
//	{prefix}.schedule         -- schedule requests (request/reply)
//	{prefix}.wake             -- wake events

// CommandSubject returns the subject a command of the given type is published on.
// Example: deferral.commands.wallet.debit
func CommandSubject(prefix, typeTag string) string {
	return fmt.Sprintf("%s.commands.%s", prefix, typeTag)
}

// CommandsAllSubject returns the wildcard captured by the command stream.
func CommandsAllSubject(prefix string) string {
	return fmt.Sprintf("%s.commands.>", prefix)
}

// ScheduleSubject returns the intake subject.
func ScheduleSubject(prefix string) string {
	return prefix + ".schedule"
}

// WakeSubject returns the subject wake events are announced on.
func WakeSubject(prefix string) string {
	return prefix + ".wake"
}

// ValidSubjectToken reports whether s can be used as one or more literal
// subject tokens: no wildcards, whitespace or empty tokens.
func ValidSubjectToken(s string) bool {
	if s == "" || strings.ContainsAny(s, "*> \t\r\n") {
		return false
	}
	for _, tok := range strings.Split(s, ".") {
		if tok == "" {
			return false
		}
	}
	return true
}
