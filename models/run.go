package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// RunState is the furthest stage an ingest run reached.
type RunState string

const (
	StatePaging      RunState = "paging"
	StateFiltering   RunState = "filtering"
	StateHydrating   RunState = "hydrating"
	StateNormalizing RunState = "normalizing"
	StateUpserting   RunState = "upserting"
	StateDone        RunState = "done"
)

// Drop reasons recorded in DropCounters.
const (
	DropDuplicate       = "duplicate"
	DropMissingPrice    = "missing_price"
	DropMissingYear     = "missing_year"
	DropMissingState    = "missing_state"
	DropOutOfRange      = "out_of_range"
	DropOffQuery        = "off_query"
	DropParseError      = "parse_error"
	DropNormalizeError  = "normalize_error"
	DropCategory        = "category"
	DropEnquireUnpriced = "enquire_unpriced"
	DropQualityGate     = "quality_gate"
)

// DropCounters maps a rejection reason to how many tiles it removed.
type DropCounters map[string]int

func (d DropCounters) Add(reason string, n int) {
	if n == 0 {
		return
	}
	d[reason] += n
}

func (d DropCounters) Inc(reason string) { d[reason]++ }

func (d DropCounters) Merge(other DropCounters) {
	for k, v := range other {
		d.Add(k, v)
	}
}

// Keys returns the reasons in stable order, for logging.
func (d DropCounters) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// RunSummary is the outcome of one vendor ingest run.
type RunSummary struct {
	ID            uuid.UUID      `json:"id"`
	Vendor        string         `json:"vendor"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
	Status        RunStatus      `json:"status"`
	State         RunState       `json:"state"`
	Fetched       int            `json:"fetched"`
	Kept          int            `json:"kept"`
	NormalizedOK  int            `json:"normalized_ok"`
	NormalizedErr int            `json:"normalized_err"`
	Upserted      int            `json:"upserted"`
	StoreErrors   int            `json:"store_errors"`
	Hydrated      int            `json:"hydrated"`
	PagesWalked   int            `json:"pages_walked"`
	Drops         DropCounters   `json:"drops"`
	Info          map[string]int `json:"info,omitempty"`
	Error         string         `json:"error,omitempty"`
}

func NewRunSummary(vendor string) *RunSummary {
	return &RunSummary{
		ID:        uuid.New(),
		Vendor:    vendor,
		StartedAt: time.Now().UTC(),
		Status:    RunStatusRunning,
		State:     StatePaging,
		Drops:     DropCounters{},
		Info:      map[string]int{},
	}
}
