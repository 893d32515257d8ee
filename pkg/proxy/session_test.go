package proxy

import (
	"errors"
	"slices"
	"testing"
	"time"
)

func TestSession_Transitions(t *testing.T) {
	tests := []struct {
		name    string
		path    []State
		wantErr bool
	}{
		{
			name: "proxied request",
			path: []State{StateRouting, StateSelecting, StateConnecting, StateForwarding, StateCompleting, StateDone},
		},
		{
			name: "static route",
			path: []State{StateRouting, StateCompleting, StateDone},
		},
		{
			name: "failover after connect failure",
			path: []State{StateRouting, StateSelecting, StateConnecting, StateSelecting, StateConnecting, StateForwarding, StateCompleting, StateDone},
		},
		{
			name: "failover after exchange failure",
			path: []State{StateRouting, StateSelecting, StateConnecting, StateForwarding, StateSelecting, StateConnecting, StateForwarding, StateCompleting, StateDone},
		},
		{name: "skip routing", path: []State{StateSelecting}, wantErr: true},
		{name: "forward without connection", path: []State{StateRouting, StateSelecting, StateForwarding}, wantErr: true},
		{name: "done before completing", path: []State{StateRouting, StateSelecting, StateConnecting, StateForwarding, StateDone}, wantErr: true},
		{name: "leave done", path: []State{StateRouting, StateCompleting, StateDone, StateRouting}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewSession("id", "l", time.Now())
			var err error
			for _, to := range tt.path {
				if err = s.Transition(to); err != nil {
					break
				}
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("Transition error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("error %v does not match ErrInvalidTransition", err)
			}
			if !tt.wantErr {
				want := append([]State{StateStart}, tt.path...)
				if got := s.History(); !slices.Equal(got, want) {
					t.Errorf("History() = %v, want %v", got, want)
				}
			}
		})
	}
}

func TestSession_FailFromAnyState(t *testing.T) {
	paths := [][]State{
		{},
		{StateRouting},
		{StateRouting, StateSelecting},
		{StateRouting, StateSelecting, StateConnecting},
		{StateRouting, StateSelecting, StateConnecting, StateForwarding},
		{StateRouting, StateCompleting},
	}
	for _, path := range paths {
		s := NewSession("id", "", time.Now())
		for _, to := range path {
			if err := s.Transition(to); err != nil {
				t.Fatal(err)
			}
		}
		s.Fail(502, ErrUpstream)
		if s.State() != StateFailed || s.Status != 502 || !errors.Is(s.Err, ErrUpstream) {
			t.Errorf("after %v: state %s status %d err %v", path, s.State(), s.Status, s.Err)
		}
		if err := s.Transition(StateFailed); err == nil {
			t.Errorf("after %v: Failed is not terminal", path)
		}
	}
}

func TestSession_FailAfterDoneKeepsState(t *testing.T) {
	s := NewSession("id", "", time.Now())
	for _, to := range []State{StateRouting, StateCompleting, StateDone} {
		_ = s.Transition(to)
	}
	s.Fail(499, ErrClientGone)
	if s.State() != StateDone {
		t.Errorf("state = %s, want done", s.State())
	}
}

func TestSession_TriedAndExhausted(t *testing.T) {
	s := NewSession("id", "", time.Now())
	s.markTried("a")
	s.recordFailure(errors.New("first"))
	if !s.Tried("a") || s.Tried("b") || s.Attempts != 1 || s.Backend != "a" {
		t.Fatalf("tried bookkeeping wrong: %+v", s)
	}
	if err := s.exhausted(); err.Error() != "first" {
		t.Errorf("single failure = %v, want it unwrapped", err)
	}

	s.markTried("b")
	s.recordFailure(ErrUpstream)
	err := s.exhausted()
	if !errors.Is(err, ErrAttemptsExhausted) || !errors.Is(err, ErrUpstream) {
		t.Errorf("exhausted() = %v, want ExhaustedError wrapping ErrUpstream", err)
	}
}

func TestState_String(t *testing.T) {
	if StateForwarding.String() != "forwarding" || State(42).String() != "state(42)" {
		t.Error("unexpected State names")
	}
}
