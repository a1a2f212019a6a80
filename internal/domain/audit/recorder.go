package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/vitalred/triage/internal/platform/auth"
	"github.com/vitalred/triage/internal/platform/middleware"
)

// Recorder writes audit entries, filling in the actor and client details
// from the request context.
type Recorder struct {
	repo     Repository
	logger   zerolog.Logger
	failures prometheus.Counter
	nowFn    func() time.Time
}

func NewRecorder(repo Repository, logger zerolog.Logger) *Recorder {
	return &Recorder{
		repo:   repo,
		logger: logger.With().Str("component", "audit").Logger(),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "triage",
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit entries that could not be written.",
		}),
		nowFn: func() time.Time { return time.Now().UTC() },
	}
}

// Collectors exposes the recorder metrics for registration.
func (r *Recorder) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.failures}
}

// Snapshot marshals v for use as Before/After. A nil v yields nil.
func Snapshot(v any) json.RawMessage {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

// Record persists e. Unset actor fields come from the caller identity on
// ctx, or the system actor when there is none.
func (r *Recorder) Record(ctx context.Context, e Entry) (*Entry, error) {
	if !IsKnownAction(e.Action) {
		return nil, fmt.Errorf("unknown audit action %q", e.Action)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = r.nowFn()
	}
	r.fillActor(ctx, &e)

	meta := middleware.RequestMetaFromContext(ctx)
	if e.IPAddress == "" {
		e.IPAddress = meta.IPAddress
	}
	if e.UserAgent == "" {
		e.UserAgent = meta.UserAgent
	}
	if e.Metadata == nil && meta.RequestID != "" {
		e.Metadata = Snapshot(map[string]string{"http_request_id": meta.RequestID})
	}

	if err := r.repo.Insert(ctx, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *Recorder) fillActor(ctx context.Context, e *Entry) {
	if e.ActorID != nil || e.ActorName != "" {
		return
	}
	uid := auth.UserIDFromContext(ctx)
	if id, err := uuid.Parse(uid); err == nil {
		e.ActorID = &id
		e.ActorName = auth.UserNameFromContext(ctx)
		e.ActorRole = strings.Join(auth.RolesFromContext(ctx), ",")
		return
	}
	e.ActorName = SystemActor
	e.ActorRole = SystemActor
}

// RecordBestEffort records e and only logs and counts a failure. Lifecycle
// transitions use it after commit.
func (r *Recorder) RecordBestEffort(ctx context.Context, e Entry) {
	if _, err := r.Record(ctx, e); err != nil {
		r.failures.Inc()
		ev := r.logger.Error().Err(err).Str("action", e.Action)
		if e.RequestID != nil {
			ev = ev.Str("request_id", e.RequestID.String())
		}
		ev.Msg("audit write failed")
	}
}

// Query lists entries matching f, newest first.
func (r *Recorder) Query(ctx context.Context, f Filter, limit, offset int) ([]*Entry, int, error) {
	return r.repo.Query(ctx, f, limit, offset)
}
