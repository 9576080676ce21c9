package exclusive

import (
	"context"
	"testing"
	"time"

	"github.com/cubewise-code/rushti/internal/remote"
	"github.com/cubewise-code/rushti/internal/remote/remotefake"
)

func TestBuildAndParseContextTag(t *testing.T) {
	cases := []struct {
		workflow  string
		exclusive bool
		want      string
	}{
		{"daily-etl", false, "RUSHTI_daily-etl"},
		{"daily-etl", true, "RUSHTIX_daily-etl"},
		{"", false, "RUSHTI"},
		{"", true, "RUSHTIX"},
	}
	for _, c := range cases {
		got := BuildContextTag(c.workflow, c.exclusive)
		if got != c.want {
			t.Errorf("BuildContextTag(%q, %v) = %q, want %q", c.workflow, c.exclusive, got, c.want)
		}
		exclusive, workflow, ok := ParseContextTag(got)
		if !ok || exclusive != c.exclusive || workflow != c.workflow {
			t.Errorf("ParseContextTag(%q) = (%v, %q, %v), want (%v, %q, true)", got, exclusive, workflow, ok, c.exclusive, c.workflow)
		}
	}

	if _, _, ok := ParseContextTag("SomeOtherApp_session"); ok {
		t.Errorf("expected non-RushTI tag to not parse")
	}
}

func TestAcquireProceedsWhenNoConflict(t *testing.T) {
	client := remotefake.New()
	lock := New(client, Config{Workflow: "wf", PollInterval: time.Millisecond, Timeout: time.Second})
	if err := lock.Acquire(context.Background(), []string{"tm1"}); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
}

func TestAcquireBlocksOnExclusiveTagThenProceeds(t *testing.T) {
	client := remotefake.New()
	client.SetSessions("tm1", []remote.RemoteSession{{ID: "s1", Tag: "RUSHTIX_other"}})

	lock := New(client, Config{Workflow: "wf", PollInterval: 2 * time.Millisecond, Timeout: 50 * time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- lock.Acquire(context.Background(), []string{"tm1"}) }()

	time.Sleep(5 * time.Millisecond)
	client.SetSessions("tm1", nil)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Acquire did not return after conflict cleared")
	}
}

func TestAcquireTimesOut(t *testing.T) {
	client := remotefake.New()
	client.SetSessions("tm1", []remote.RemoteSession{{ID: "s1", Tag: "RUSHTIX_other"}})

	lock := New(client, Config{Workflow: "wf", PollInterval: 2 * time.Millisecond, Timeout: 10 * time.Millisecond})
	err := lock.Acquire(context.Background(), []string{"tm1"})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestExclusiveRunBlockedByNormalTag(t *testing.T) {
	client := remotefake.New()
	client.SetSessions("tm1", []remote.RemoteSession{{ID: "s1", Tag: "RUSHTI_other"}})

	lock := New(client, Config{Workflow: "wf", Exclusive: true, PollInterval: 2 * time.Millisecond, Timeout: 10 * time.Millisecond})
	if err := lock.Acquire(context.Background(), []string{"tm1"}); err == nil {
		t.Fatal("expected exclusive run to block on any RushTI-family tag")
	}
}

func TestNeverBlocksOnOwnTag(t *testing.T) {
	client := remotefake.New()
	tag := BuildContextTag("wf", false)
	client.SetSessions("tm1", []remote.RemoteSession{{ID: "self", Tag: tag}})

	lock := New(client, Config{Workflow: "wf", PollInterval: time.Millisecond, Timeout: 50 * time.Millisecond})
	if err := lock.Acquire(context.Background(), []string{"tm1"}); err != nil {
		t.Fatalf("expected no block on own session tag: %v", err)
	}
}
