package metrics

import (
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Gauge names captured on every run.
const (
	GaugeTotalCases            = "total_cases"
	GaugePendingCases          = "pending_cases"
	GaugeUnclaimedHighPriority = "unclaimed_high_priority"
	GaugeActiveEvaluators      = "active_evaluators"
	GaugeCasesToday            = "cases_today"
	GaugeEvaluationsToday      = "evaluations_today"
)

// GaugeNames in capture order.
var GaugeNames = []string{
	GaugeTotalCases, GaugePendingCases, GaugeUnclaimedHighPriority,
	GaugeActiveEvaluators, GaugeCasesToday, GaugeEvaluationsToday,
}

// Snapshot periods.
const (
	PeriodDaily   = "daily"
	PeriodWeekly  = "weekly"
	PeriodMonthly = "monthly"
)

func ValidPeriod(p string) bool {
	return p == PeriodDaily || p == PeriodWeekly || p == PeriodMonthly
}

var ErrInvalidPeriod = errors.New("period must be daily, weekly or monthly")

type Gauge struct {
	Name       string    `db:"name" json:"name"`
	Value      int64     `db:"value" json:"value"`
	CapturedAt time.Time `db:"captured_at" json:"captured_at"`
}

// Snapshot is a rollup of one day, ISO week or month. SnapshotDate is the
// first day of the period.
type Snapshot struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	SnapshotDate     time.Time       `db:"snapshot_date" json:"snapshot_date"`
	Period           string          `db:"period" json:"period"`
	TotalReceived    int             `db:"total_received" json:"total_received"`
	TotalEvaluated   int             `db:"total_evaluated" json:"total_evaluated"`
	Accepted         int             `db:"accepted" json:"accepted"`
	Rejected         int             `db:"rejected" json:"rejected"`
	InfoRequested    int             `db:"info_requested" json:"info_requested"`
	UrgentCases      int             `db:"urgent_cases" json:"urgent_cases"`
	AvgResponseHours decimal.Decimal `db:"avg_response_hours" json:"avg_response_hours"`
	BySpecialty      map[string]int  `db:"by_specialty" json:"by_specialty"`
	ByInstitution    map[string]int  `db:"by_institution" json:"by_institution"`
	ByEvaluator      map[string]int  `db:"by_evaluator" json:"by_evaluator"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
}

// Fact is the slice of a request a rollup needs.
type Fact struct {
	ID            uuid.UUID  `db:"id"`
	Specialty     string     `db:"specialty"`
	Institution   string     `db:"institution"`
	UrgencyScore  int        `db:"urgency_score"`
	Decision      *string    `db:"decision"`
	EvaluatorName *string    `db:"evaluator_name"`
	ReceivedAt    time.Time  `db:"received_at"`
	EvaluatedAt   *time.Time `db:"evaluated_at"`
}

type SnapshotFilter struct {
	Period   string
	From, To *time.Time
}
