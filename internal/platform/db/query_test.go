package db

import (
	"testing"
	"time"
)

func TestQuery_NoFilters(t *testing.T) {
	q := NewQuery("medical_requests", "id, state").OrderBy("received_at DESC")
	sql, args := q.CountSQL()
	if sql != "SELECT COUNT(*) FROM medical_requests" || len(args) != 0 {
		t.Errorf("count = %q %v", sql, args)
	}
	sql, args = q.DataSQL(20, 40)
	want := "SELECT id, state FROM medical_requests ORDER BY received_at DESC LIMIT $1 OFFSET $2"
	if sql != want {
		t.Errorf("data sql = %q", sql)
	}
	if len(args) != 2 || args[0] != 20 || args[1] != 40 {
		t.Errorf("args = %v", args)
	}
}

func TestQuery_Filters(t *testing.T) {
	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	q := NewQuery("audit_entries", "*").
		Eq("action", "request_accepted").
		Eq("actor_id", "").
		Between("occurred_at", &from, nil).
		Where("deleted_at IS NULL").
		Where("specialty = ANY(?)", []string{"cardiologia"})

	sql, args := q.CountSQL()
	want := "SELECT COUNT(*) FROM audit_entries WHERE action = $1 AND occurred_at >= $2 AND deleted_at IS NULL AND specialty = ANY($3)"
	if sql != want {
		t.Errorf("count sql =\n%q\nwant\n%q", sql, want)
	}
	if len(args) != 3 {
		t.Fatalf("args = %v", args)
	}

	sql, args = q.DataSQL(10, 0)
	if want := "SELECT * FROM audit_entries WHERE action = $1 AND occurred_at >= $2 AND deleted_at IS NULL AND specialty = ANY($3) LIMIT $4 OFFSET $5"; sql != want {
		t.Errorf("data sql = %q", sql)
	}
	if len(args) != 5 || args[3] != 10 {
		t.Errorf("args = %v", args)
	}

	// DataSQL must not grow the shared argument slice.
	if _, countArgs := q.CountSQL(); len(countArgs) != 3 {
		t.Errorf("count args mutated: %v", countArgs)
	}
}
