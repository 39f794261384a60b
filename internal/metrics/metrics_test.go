package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestNewCollector_ReturnsNonNil はCollectorが正常に生成されることを検証する。
func TestNewCollector_ReturnsNonNil(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	if c == nil {
		t.Fatal("expected non-nil Collector")
	}
}

// TestNewCollector_DoubleRegisterPanics は同一レジストリへの二重登録がpanicすることを検証する。
func TestNewCollector_DoubleRegisterPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewCollector(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	NewCollector(reg)
}

// TestRecordLogin_LabelsByNewUser はログイン数が新規/既存別に集計されることを検証する。
func TestRecordLogin_LabelsByNewUser(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLogin(true)
	c.RecordLogin(false)
	c.RecordLogin(false)

	if got := testutil.ToFloat64(c.logins.WithLabelValues("true")); got != 1 {
		t.Errorf("logins{new_user=true} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.logins.WithLabelValues("false")); got != 2 {
		t.Errorf("logins{new_user=false} = %v, want 2", got)
	}
}

func TestRecordLoginFailure_IncrementsCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordLoginFailure("state_mismatch")

	if got := testutil.ToFloat64(c.loginFailures.WithLabelValues("state_mismatch")); got != 1 {
		t.Errorf("login_failures{reason=state_mismatch} = %v, want 1", got)
	}
}

// TestRecordVerification は検証の開始・完了がプロバイダー・結果別に集計されることを検証する。
func TestRecordVerification(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordVerificationStarted("mock")
	c.RecordVerificationCompleted("mock", OutcomeSuccess)
	c.RecordVerificationCompleted("mock", OutcomeDuplicate)
	c.RecordVerificationCompleted("mock", OutcomeDuplicate)

	if got := testutil.ToFloat64(c.verifyStarted.WithLabelValues("mock")); got != 1 {
		t.Errorf("started{mock} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.verifyCompleted.WithLabelValues("mock", OutcomeDuplicate)); got != 2 {
		t.Errorf("completed{mock,duplicate} = %v, want 2", got)
	}
	if got := testutil.CollectAndCount(c.verifyCompleted); got != 2 {
		t.Errorf("completed series = %d, want 2", got)
	}
}

func TestRecordGitHubRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordGitHubRequest("fetch_user", 200, 120*time.Millisecond)
	c.RecordGitHubRequest("fetch_user", 0, time.Second)

	if got := testutil.ToFloat64(c.githubRequests.WithLabelValues("fetch_user", "200")); got != 1 {
		t.Errorf("github_requests{200} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.githubRequests.WithLabelValues("fetch_user", "0")); got != 1 {
		t.Errorf("github_requests{0} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(c.githubLatency); got != 1 {
		t.Errorf("latency series = %d, want 1", got)
	}
}

func TestRecordSessionsPurged_AddsCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordSessionsPurged(3)
	c.RecordSessionsPurged(0)
	c.RecordSessionsPurged(4)

	if got := testutil.ToFloat64(c.sessionsPurged); got != 7 {
		t.Errorf("sessions_purged = %v, want 7", got)
	}
}

func TestSSEClients_Gauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.SSEClientConnected()
	c.SSEClientConnected()
	c.SSEClientDisconnected()

	if got := testutil.ToFloat64(c.sseClients); got != 1 {
		t.Errorf("sse_clients = %v, want 1", got)
	}
}

// Nopが何もせずpanicしないことを検証
func TestNop(t *testing.T) {
	var m MetricsCollector = Nop{}
	m.RecordLogin(true)
	m.RecordLoginFailure("x")
	m.RecordVerificationStarted("mock")
	m.RecordVerificationCompleted("mock", OutcomeFailed)
	m.RecordGitHubRequest("op", 500, time.Millisecond)
	m.RecordSessionsPurged(1)
	m.SSEClientConnected()
	m.SSEClientDisconnected()
}
