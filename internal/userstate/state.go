// Package userstate はユーザーのセッション状態を表す状態機械を定義する。
//
// 状態は保存せず、セッションと検証イベントから Derive で導出する。
// Transition は導出結果がとり得る遷移の正しさを検査するためのモデルとして使う。
package userstate

import (
	"fmt"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

// Kind は状態の種類。
type Kind int

const (
	Unauthenticated Kind = iota
	Authenticated
	VerificationPending
	Verified
)

// String は状態名を返す。
func (k Kind) String() string {
	switch k {
	case Unauthenticated:
		return "Unauthenticated"
	case Authenticated:
		return "Authenticated"
	case VerificationPending:
		return "VerificationPending"
	case Verified:
		return "Verified"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// State はユーザーの状態。Kindに応じて使うフィールドが異なる。
//
//   - Unauthenticated: なし
//   - Authenticated: UserID
//   - VerificationPending: UserID, RequestID
//   - Verified: UserID, VerifiedAt
type State struct {
	Kind       Kind
	UserID     string
	RequestID  string
	VerifiedAt time.Time
}

// EventKind はイベントの種類。
type EventKind int

const (
	GitHubLogin EventKind = iota
	StartVerify
	VerifySuccess
	VerifyFail
	Logout
)

// String はイベント名を返す。
func (k EventKind) String() string {
	switch k {
	case GitHubLogin:
		return "GithubLogin"
	case StartVerify:
		return "StartVerify"
	case VerifySuccess:
		return "VerifySuccess"
	case VerifyFail:
		return "VerifyFail"
	case Logout:
		return "Logout"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event は状態遷移を引き起こすイベント。
type Event struct {
	Kind       EventKind
	UserID     string    // GitHubLogin
	RequestID  string    // StartVerify
	VerifiedAt time.Time // VerifySuccess
	Reason     string    // VerifyFail
}

// InvalidTransitionError は許可されていない遷移を表す。
type InvalidTransitionError struct {
	From  Kind
	Event EventKind
}

// Error はerrorインターフェースを実装する。
func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition: %s on %s", e.Event, e.From)
}

// Is はmodel.ErrInvalidTransitionとの比較を可能にする。
func (e *InvalidTransitionError) Is(target error) bool {
	return target == model.ErrInvalidTransition
}

// Transition はイベントを適用した次の状態を返す。
// 表にない組み合わせは何もせずに通すことはせず、*InvalidTransitionErrorを返す。
func Transition(s State, e Event) (State, error) {
	switch {
	case s.Kind == Unauthenticated && e.Kind == GitHubLogin:
		return State{Kind: Authenticated, UserID: e.UserID}, nil
	case s.Kind == Authenticated && e.Kind == StartVerify:
		return State{Kind: VerificationPending, UserID: s.UserID, RequestID: e.RequestID}, nil
	case s.Kind == VerificationPending && e.Kind == VerifySuccess:
		return State{Kind: Verified, UserID: s.UserID, VerifiedAt: e.VerifiedAt}, nil
	case s.Kind == VerificationPending && e.Kind == VerifyFail:
		return State{Kind: Authenticated, UserID: s.UserID}, nil
	case (s.Kind == Authenticated || s.Kind == Verified) && e.Kind == Logout:
		return State{Kind: Unauthenticated}, nil
	}
	return s, &InvalidTransitionError{From: s.Kind, Event: e.Kind}
}

// IsAuthenticated はUnauthenticated以外でtrueを返す。
func IsAuthenticated(s State) bool {
	return s.Kind != Unauthenticated
}

// IsVerified はVerifiedのときだけtrueを返す。
func IsVerified(s State) bool {
	return s.Kind == Verified
}

// UserID は状態に紐付くユーザーIDを返す。Unauthenticatedでは("", false)。
func UserID(s State) (string, bool) {
	if s.Kind == Unauthenticated {
		return "", false
	}
	return s.UserID, true
}

// Derive は保存済みの事実から状態を1つに決める。
//
// セッションがなければUnauthenticated、検証済みならVerified、
// 期限内の未完了検証があればVerificationPending、それ以外はAuthenticated。
// pendingは期限内かつ結果未記録のもののみを渡すこと。
func Derive(session *model.SessionUser, pending *model.PendingVerification, requestID string) State {
	if session == nil {
		return State{Kind: Unauthenticated}
	}
	if session.VerifiedVeteran {
		s := State{Kind: Verified, UserID: session.ID}
		if session.VerifiedAt != nil {
			s.VerifiedAt = *session.VerifiedAt
		}
		return s
	}
	if pending != nil && pending.UserID == session.ID {
		return State{Kind: VerificationPending, UserID: session.ID, RequestID: requestID}
	}
	return State{Kind: Authenticated, UserID: session.ID}
}
