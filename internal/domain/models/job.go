package models

import "fmt"

// SendJob asks a send worker to attempt (or re-attempt) a broadcast.
// ResendCount 0 is the first attempt; higher values drive gas escalation.
type SendJob struct {
	QueueID     string `json:"queueId"`
	ResendCount uint64 `json:"resendCount"`
}

// JobID gives resends distinct ids so a resend can coexist with the
// scheduler's dedup of first sends.
func (j SendJob) JobID() string {
	if j.ResendCount == 0 {
		return "send:" + j.QueueID
	}
	return fmt.Sprintf("send:%s:%d", j.QueueID, j.ResendCount)
}

// MineJob asks a mine worker to poll for the outcome of a sent transaction.
// At most one live mine job exists per queue id.
type MineJob struct {
	QueueID string `json:"queueId"`
}

func (j MineJob) JobID() string { return "mine:" + j.QueueID }

// CancelJob asks a cancel worker to consume a stuck transaction's nonce with
// a no-op so later nonces are not blocked.
type CancelJob struct {
	QueueID string `json:"queueId"`
}

func (j CancelJob) JobID() string { return "cancel:" + j.QueueID }
