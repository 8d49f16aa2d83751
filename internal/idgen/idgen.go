// Package idgen mints the opaque, prefixed IDs used across the orchestrator
// (trun_, prun_, dlq_, svc_). The prefix is a convention only — nothing
// parses it back apart.
package idgen

import "github.com/google/uuid"

const (
	PrefixTaskRun     = "trun_"
	PrefixPipelineRun = "prun_"
	PrefixDLQ         = "dlq_"
	PrefixService     = "svc_"
	PrefixTask        = "task_"
)

// New mints a new opaque ID with the given prefix.
func New(prefix string) string {
	return prefix + uuid.New().String()
}
