package usecase

import (
	"errors"
	"testing"
	"time"
)

func TestIsRateLimitError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("googleapi: Error 429: User-rate limit exceeded. Retry after 2026-09-01T10:00:00.000Z"), true},
		{errors.New("429 RATE LIMIT EXCEEDED"), true},
		{errors.New("googleapi: Error 429: Too many requests"), false},
		{errors.New("rate limit exceeded"), false},
		{errors.New("connection refused"), false},
	}
	for _, tc := range cases {
		if got := IsRateLimitError(tc.err); got != tc.want {
			t.Errorf("IsRateLimitError(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestParseRetryAfter(t *testing.T) {
	want := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)

	got, ok := ParseRetryAfter("User-rate limit exceeded. Retry after 2026-09-01T10:30:00.000Z")
	if !ok || !got.Equal(want) {
		t.Fatalf("Retry-after form: got %v ok=%v, want %v", got, ok, want)
	}

	got, ok = ParseRetryAfter("sending blocked until 2026-09-01T10:30:00.000Z by provider")
	if !ok || !got.Equal(want) {
		t.Fatalf("until form: got %v ok=%v, want %v", got, ok, want)
	}

	if _, ok := ParseRetryAfter("User-rate limit exceeded"); ok {
		t.Fatal("expected no timestamp in message without one")
	}
}

func TestGovernorAllow(t *testing.T) {
	repo := &mockRateLimitRepo{}
	g := NewGovernor(repo)

	allowed, record, err := g.Allow("u1")
	if err != nil {
		t.Fatal(err)
	}
	if !allowed || record != nil {
		t.Fatalf("expected allowed with no record, got allowed=%v record=%v", allowed, record)
	}

	retryAfter := time.Now().Add(time.Hour)
	if _, err := repo.AddLimit("u1", retryAfter, "test"); err != nil {
		t.Fatal(err)
	}

	allowed, record, err = g.Allow("u1")
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected blocked while a window is open")
	}
	if record == nil || !record.RetryAfter.Equal(retryAfter) {
		t.Fatalf("expected the live record back, got %+v", record)
	}
}

func TestGovernorHandleSendErrorOpensWindow(t *testing.T) {
	repo := &mockRateLimitRepo{}
	g := NewGovernor(repo)

	sendErr := errors.New("googleapi: Error 429: User-rate limit exceeded. Retry after 2026-09-01T10:30:00.000Z")
	consumed, err := g.HandleSendError("u1", sendErr)
	if err != nil {
		t.Fatal(err)
	}
	if !consumed {
		t.Fatal("expected the rate limit error to be consumed")
	}
	if repo.active == nil {
		t.Fatal("expected a backoff record")
	}
	want := time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)
	if !repo.active.RetryAfter.Equal(want) {
		t.Fatalf("expected provider-supplied retry time %v, got %v", want, repo.active.RetryAfter)
	}
}

func TestGovernorHandleSendErrorDefaultBackoff(t *testing.T) {
	repo := &mockRateLimitRepo{}
	g := NewGovernor(repo)

	before := time.Now()
	consumed, err := g.HandleSendError("u1", errors.New("429 rate limit exceeded"))
	if err != nil {
		t.Fatal(err)
	}
	if !consumed {
		t.Fatal("expected the error to be consumed")
	}
	if repo.active.RetryAfter.Before(before.Add(defaultBackoff - time.Minute)) {
		t.Fatalf("expected roughly one hour of backoff, got %v", repo.active.RetryAfter.Sub(before))
	}
}

func TestGovernorHandleSendErrorIgnoresOtherFailures(t *testing.T) {
	repo := &mockRateLimitRepo{}
	g := NewGovernor(repo)

	consumed, err := g.HandleSendError("u1", errors.New("connection reset by peer"))
	if err != nil {
		t.Fatal(err)
	}
	if consumed {
		t.Fatal("a transport failure must not open a backoff window")
	}
	if repo.active != nil {
		t.Fatal("no record expected")
	}
}

func TestGovernorReset(t *testing.T) {
	repo := &mockRateLimitRepo{}
	g := NewGovernor(repo)

	if _, err := repo.AddLimit("u1", time.Now().Add(time.Hour), "test"); err != nil {
		t.Fatal(err)
	}
	if err := g.Reset("u1"); err != nil {
		t.Fatal(err)
	}

	allowed, _, err := g.Allow("u1")
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Fatal("expected sending allowed after reset")
	}

	status, err := g.Status("u1")
	if err != nil {
		t.Fatal(err)
	}
	if status.Limited {
		t.Fatal("expected unlimited status after reset")
	}
}
