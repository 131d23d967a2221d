package cron

import (
	"time"

	"github.com/google/uuid"
)

const (
	KindCron = "cron"
	KindAt   = "at"
)

// Schedule is either a seconds-enabled cron expression (an optional
// CRON_TZ= prefix pins the timezone) or a one-shot wall clock time.
type Schedule struct {
	Kind string `json:"kind"`
	Expr string `json:"expr,omitempty"`
	AtMs int64  `json:"atMs,omitempty"`
}

// Payload tells the job handler what to do when the job fires.
type Payload struct {
	Action  string `json:"action"`
	Advance bool   `json:"advance,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

type JobState struct {
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"`
	LastError   string `json:"lastError,omitempty"`
}

type CronJob struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	DeleteAfterRun bool     `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64    `json:"createdAtMs"`
}

func NewCronJob(name string, schedule Schedule, payload Payload) CronJob {
	return CronJob{
		ID:             uuid.NewString(),
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		DeleteAfterRun: schedule.Kind == KindAt,
		CreatedAtMs:    time.Now().UnixMilli(),
	}
}
