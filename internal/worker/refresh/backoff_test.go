package refresh

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/hitoshi/vets/internal/model"
)

func TestIsThrottled(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"429", &model.UpstreamError{Op: "list_repos", Status: 429, Err: errors.New("x")}, true},
		{"403", &model.UpstreamError{Op: "list_repos", Status: 403, Err: errors.New("x")}, true},
		{"ラップされた429", fmt.Errorf("failed: %w", &model.UpstreamError{Status: 429}), true},
		{"500", &model.UpstreamError{Op: "list_repos", Status: 500, Err: errors.New("x")}, false},
		{"ネットワークエラー", &model.UpstreamError{Op: "list_repos", Err: errors.New("dial")}, false},
		{"その他", errors.New("db down"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsThrottled(tt.err); got != tt.want {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCalculateBackoff(t *testing.T) {
	tests := []struct {
		consecutive int
		want        time.Duration
	}{
		{0, 5 * time.Minute},
		{1, 10 * time.Minute},
		{2, 20 * time.Minute},
		{3, 40 * time.Minute},
		{4, time.Hour},
		{10, time.Hour},
	}
	for _, tt := range tests {
		if got := CalculateBackoff(tt.consecutive); got != tt.want {
			t.Errorf("CalculateBackoff(%d) = %v, want %v", tt.consecutive, got, tt.want)
		}
	}
}
