package domain

import (
	"errors"
	"strings"
	"testing"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		event   JobEvent
		want    JobStatus
		wantErr bool
	}{
		{name: "admit", from: "", event: EventAdmit, want: JobStatusQueued},
		{name: "lease", from: JobStatusQueued, event: EventLeaseAcquired, want: JobStatusClaimed},
		{name: "success", from: JobStatusClaimed, event: EventExtractionSucceeded, want: JobStatusDone},
		{name: "failure", from: JobStatusClaimed, event: EventExtractionFailed, want: JobStatusError},
		{name: "queued cannot finish", from: JobStatusQueued, event: EventExtractionSucceeded, wantErr: true},
		{name: "claimed cannot be claimed", from: JobStatusClaimed, event: EventLeaseAcquired, wantErr: true},
		{name: "done is terminal", from: JobStatusDone, event: EventLeaseAcquired, wantErr: true},
		{name: "done cannot fail", from: JobStatusDone, event: EventExtractionFailed, wantErr: true},
		{name: "error is terminal", from: JobStatusError, event: EventExtractionSucceeded, wantErr: true},
		{name: "readmit", from: JobStatusQueued, event: EventAdmit, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Transition(tc.from, tc.event)
			if tc.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("Transition(%q, %q) error = %v, want ErrInvalidTransition", tc.from, tc.event, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition(%q, %q) unexpected error: %v", tc.from, tc.event, err)
			}
			if got != tc.want {
				t.Fatalf("Transition(%q, %q) = %q, want %q", tc.from, tc.event, got, tc.want)
			}
		})
	}
}

func TestParseJobStatusRejectsUnknown(t *testing.T) {
	if _, err := ParseJobStatus("processing"); !errors.Is(err, ErrCorruptResult) {
		t.Fatalf("expected ErrCorruptResult, got %v", err)
	}
	s, err := ParseJobStatus("done")
	if err != nil || s != JobStatusDone {
		t.Fatalf("ParseJobStatus(done) = %q, %v", s, err)
	}
}

func TestTruncateErrorMessage(t *testing.T) {
	long := strings.Repeat("é", MaxErrorMessageLen+10)
	got := TruncateErrorMessage(long)
	if n := len([]rune(got)); n != MaxErrorMessageLen {
		t.Fatalf("truncated length = %d, want %d", n, MaxErrorMessageLen)
	}
	if TruncateErrorMessage("short") != "short" {
		t.Fatalf("short message should be unchanged")
	}
}

func TestResultCountsAndEncode(t *testing.T) {
	r := Result{Panels: []Panel{
		{ID: "p1", Series: []Series{{ID: "a"}, {ID: "b"}}},
		{ID: "p2", Series: []Series{{ID: "c", Points: []Point{{X: 1, Y: 2}}}}},
	}}
	panels, series := r.Counts()
	if panels != 2 || series != 3 {
		t.Fatalf("Counts() = %d, %d; want 2, 3", panels, series)
	}
	raw, err := r.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !strings.Contains(string(raw), `"points":[[1,2]]`) {
		t.Fatalf("points not encoded as pairs: %s", raw)
	}
	empty, err := Result{}.Encode()
	if err != nil {
		t.Fatalf("Encode empty: %v", err)
	}
	if string(empty) != `{"panels":[]}` {
		t.Fatalf("empty result = %s", empty)
	}
}
