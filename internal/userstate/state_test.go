package userstate

import (
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

var verifiedAt = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func sampleStates() map[Kind]State {
	return map[Kind]State{
		Unauthenticated:     {Kind: Unauthenticated},
		Authenticated:       {Kind: Authenticated, UserID: "u1"},
		VerificationPending: {Kind: VerificationPending, UserID: "u1", RequestID: "req-1"},
		Verified:            {Kind: Verified, UserID: "u1", VerifiedAt: verifiedAt},
	}
}

func sampleEvents() map[EventKind]Event {
	return map[EventKind]Event{
		GitHubLogin:   {Kind: GitHubLogin, UserID: "u1"},
		StartVerify:   {Kind: StartVerify, RequestID: "req-2"},
		VerifySuccess: {Kind: VerifySuccess, VerifiedAt: verifiedAt},
		VerifyFail:    {Kind: VerifyFail, Reason: "rejected"},
		Logout:        {Kind: Logout},
	}
}

type transitionKey struct {
	from  Kind
	event EventKind
}

func TestTransition_AllPairs(t *testing.T) {
	legal := map[transitionKey]State{
		{Unauthenticated, GitHubLogin}:       {Kind: Authenticated, UserID: "u1"},
		{Authenticated, StartVerify}:         {Kind: VerificationPending, UserID: "u1", RequestID: "req-2"},
		{VerificationPending, VerifySuccess}: {Kind: Verified, UserID: "u1", VerifiedAt: verifiedAt},
		{VerificationPending, VerifyFail}:    {Kind: Authenticated, UserID: "u1"},
		{Authenticated, Logout}:              {Kind: Unauthenticated},
		{Verified, Logout}:                   {Kind: Unauthenticated},
	}

	checked := 0
	for fromKind, from := range sampleStates() {
		for eventKind, event := range sampleEvents() {
			key := transitionKey{fromKind, eventKind}
			t.Run(fromKind.String()+"/"+eventKind.String(), func(t *testing.T) {
				got, err := Transition(from, event)

				want, ok := legal[key]
				if ok {
					if err != nil {
						t.Fatalf("Transition returned error: %v", err)
					}
					if got != want {
						t.Errorf("Transition = %+v, want %+v", got, want)
					}
					return
				}

				if !errors.Is(err, model.ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
				var ite *InvalidTransitionError
				if !errors.As(err, &ite) {
					t.Fatalf("err = %T, want *InvalidTransitionError", err)
				}
				if ite.From != fromKind || ite.Event != eventKind {
					t.Errorf("error = {%s, %s}, want {%s, %s}", ite.From, ite.Event, fromKind, eventKind)
				}
				if got != from {
					t.Errorf("state must be unchanged on error, got %+v", got)
				}
			})
			checked++
		}
	}

	if checked != 20 {
		t.Errorf("checked %d pairs, want 20", checked)
	}
}

func TestPredicates(t *testing.T) {
	tests := []struct {
		state         State
		authenticated bool
		verified      bool
		userID        string
		hasUser       bool
	}{
		{sampleStates()[Unauthenticated], false, false, "", false},
		{sampleStates()[Authenticated], true, false, "u1", true},
		{sampleStates()[VerificationPending], true, false, "u1", true},
		{sampleStates()[Verified], true, true, "u1", true},
	}

	for _, tt := range tests {
		t.Run(tt.state.Kind.String(), func(t *testing.T) {
			if got := IsAuthenticated(tt.state); got != tt.authenticated {
				t.Errorf("IsAuthenticated = %v, want %v", got, tt.authenticated)
			}
			if got := IsVerified(tt.state); got != tt.verified {
				t.Errorf("IsVerified = %v, want %v", got, tt.verified)
			}
			id, ok := UserID(tt.state)
			if id != tt.userID || ok != tt.hasUser {
				t.Errorf("UserID = (%q, %v), want (%q, %v)", id, ok, tt.userID, tt.hasUser)
			}
		})
	}
}

func TestFullLifecycle(t *testing.T) {
	s := State{Kind: Unauthenticated}
	steps := []Event{
		{Kind: GitHubLogin, UserID: "u1"},
		{Kind: StartVerify, RequestID: "r1"},
		{Kind: VerifyFail, Reason: "unknown"},
		{Kind: StartVerify, RequestID: "r2"},
		{Kind: VerifySuccess, VerifiedAt: verifiedAt},
		{Kind: Logout},
	}
	wantKinds := []Kind{Authenticated, VerificationPending, Authenticated, VerificationPending, Verified, Unauthenticated}

	for i, ev := range steps {
		var err error
		s, err = Transition(s, ev)
		if err != nil {
			t.Fatalf("step %d (%s): %v", i, ev.Kind, err)
		}
		if s.Kind != wantKinds[i] {
			t.Fatalf("step %d: state = %s, want %s", i, s.Kind, wantKinds[i])
		}
	}
}

func TestDerive(t *testing.T) {
	unverified := &model.SessionUser{ID: "u1"}
	verified := &model.SessionUser{ID: "u1", VerifiedVeteran: true, VerifiedAt: &verifiedAt}
	pending := &model.PendingVerification{UserID: "u1", CreatedAt: verifiedAt}
	otherPending := &model.PendingVerification{UserID: "u2", CreatedAt: verifiedAt}

	tests := []struct {
		name    string
		session *model.SessionUser
		pending *model.PendingVerification
		want    State
	}{
		{"セッションなし", nil, nil, State{Kind: Unauthenticated}},
		{"セッションなし・検証中", nil, pending, State{Kind: Unauthenticated}},
		{"ログイン済み", unverified, nil, State{Kind: Authenticated, UserID: "u1"}},
		{"検証中", unverified, pending, State{Kind: VerificationPending, UserID: "u1", RequestID: "req-1"}},
		{"他ユーザーの検証は無視", unverified, otherPending, State{Kind: Authenticated, UserID: "u1"}},
		{"検証済み", verified, nil, State{Kind: Verified, UserID: "u1", VerifiedAt: verifiedAt}},
		{"検証済みで再検証中", verified, pending, State{Kind: Verified, UserID: "u1", VerifiedAt: verifiedAt}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Derive(tt.session, tt.pending, "req-1")
			if got != tt.want {
				t.Errorf("Derive = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestKindString(t *testing.T) {
	if got := Kind(99).String(); got != "Kind(99)" {
		t.Errorf("String() = %q", got)
	}
	if got := EventKind(99).String(); got != "EventKind(99)" {
		t.Errorf("String() = %q", got)
	}
}
