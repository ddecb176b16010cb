package stt

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassification(t *testing.T) {
	base := errors.New("boom")

	tests := []struct {
		name          string
		err           error
		wantTransient bool
		wantPermanent bool
	}{
		{"nil", nil, false, false},
		{"transient", Transient(base), true, false},
		{"permanent", Permanent(base), false, true},
		{"wrapped permanent", fmt.Errorf("google: %w", Permanent(base)), false, true},
		{"deadline", context.DeadlineExceeded, true, false},
		{"unclassified", base, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.wantTransient {
				t.Errorf("IsTransient() = %v, want %v", got, tt.wantTransient)
			}
			if got := IsPermanent(tt.err); got != tt.wantPermanent {
				t.Errorf("IsPermanent() = %v, want %v", got, tt.wantPermanent)
			}
		})
	}
}

func TestClassified_PreservesCause(t *testing.T) {
	base := errors.New("connection refused")
	err := Transient(base)
	if !errors.Is(err, base) {
		t.Error("expected wrapped cause to remain visible to errors.Is")
	}
	if err.Error() != "connection refused" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Transient(nil) != nil || Permanent(nil) != nil {
		t.Error("expected nil in, nil out")
	}
}

func TestResult_Text(t *testing.T) {
	r := &Result{Chunks: []Chunk{
		{Text: " Engine 5 "},
		{Text: ""},
		{Text: "responding", End: time.Second},
	}}
	if got := r.Text(); got != "Engine 5 responding" {
		t.Errorf("Text() = %q", got)
	}
}
