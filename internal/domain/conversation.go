package domain

import (
	"regexp"
	"strings"
	"time"
)

// RunStatus is the lifecycle state of an assistant run.
type RunStatus string

const (
	RunQueued         RunStatus = "queued"
	RunInProgress     RunStatus = "in_progress"
	RunRequiresAction RunStatus = "requires_action"
	RunCancelling     RunStatus = "cancelling"
	RunCancelled      RunStatus = "cancelled"
	RunFailed         RunStatus = "failed"
	RunCompleted      RunStatus = "completed"
	RunIncomplete     RunStatus = "incomplete"
	RunExpired        RunStatus = "expired"
)

// Failed reports whether the run ended without a usable reply. requires_action
// counts as failed because the relay exposes no tools to the assistant.
func (s RunStatus) Failed() bool {
	switch s {
	case RunFailed, RunCancelled, RunExpired, RunIncomplete, RunRequiresAction:
		return true
	}
	return false
}

// Run is one asynchronous assistant invocation on a thread.
type Run struct {
	ID        string
	ThreadID  string
	Status    RunStatus
	LastError string
}

// NotProvided is the placeholder for lead fields the assistant did not supply.
const NotProvided = "Not provided"

const emailExpr = `[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`

var (
	emailPattern = regexp.MustCompile(emailExpr)
	validEmail   = regexp.MustCompile(`^` + emailExpr + `$`)
)

// Lead holds contact fields derived from a qualifying turn.
type Lead struct {
	Name    string `json:"name"`
	Company string `json:"company"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
}

// HasEmail reports whether Email is a usable address rather than a placeholder.
func (l Lead) HasEmail() bool {
	return validEmail.MatchString(strings.TrimSpace(l.Email))
}

// EmailLocalPart returns the part of Email before the "@".
func (l Lead) EmailLocalPart() string {
	local, _, ok := strings.Cut(strings.TrimSpace(l.Email), "@")
	if !ok {
		return ""
	}
	return local
}

// FindEmails returns every email address in s in order of appearance.
func FindEmails(s string) []string {
	return emailPattern.FindAllString(s, -1)
}

// Handoff is what a forwarder receives for a lead-qualified conversation.
type Handoff struct {
	ThreadID    string
	Lead        Lead
	Transcript  []Message
	QualifiedAt time.Time
}

// TranscriptText renders the handoff transcript.
func (h Handoff) TranscriptText() string {
	return FormatTranscript(h.Transcript)
}
