// Package exclusive implements the ExclusiveLock of spec §4.6: it prevents
// two overlapping runs whose instance sets intersect when at least one run
// is marked exclusive, using a session-context-tag convention on the
// remote server.
//
// Ported directly from rushti/exclusive.py's build_session_context /
// parse_session_context / blocking-rule table - the teacher has no
// cluster-wide mutual-exclusion primitive (scoot's cluster membership is
// cooperative scheduling, not exclusion), so this module follows the
// original 1:1 in Go idiom: a context.Context-bounded poll loop instead of
// a bare time.Sleep loop.
package exclusive

import (
	"context"
	"regexp"
	"time"

	"github.com/cubewise-code/rushti/internal/errs"
	"github.com/cubewise-code/rushti/internal/remote"
)

const (
	NormalPrefix    = "RUSHTI"
	ExclusivePrefix = "RUSHTIX"
)

var contextPattern = regexp.MustCompile(`^RUSHTI(X)?(?:_(.*))?$`)

// BuildContextTag produces the session context string a run opens each of
// its instances with.
func BuildContextTag(workflow string, exclusive bool) string {
	prefix := NormalPrefix
	if exclusive {
		prefix = ExclusivePrefix
	}
	if workflow == "" {
		return prefix
	}
	return prefix + "_" + workflow
}

// ParseContextTag extracts the exclusivity and workflow name from a session
// context string, or ok=false if tag isn't a RushTI-family tag at all.
func ParseContextTag(tag string) (exclusive bool, workflow string, ok bool) {
	m := contextPattern.FindStringSubmatch(tag)
	if m == nil {
		return false, "", false
	}
	return m[1] == "X", m[2], true
}

// Config carries one run's exclusivity stance and wait-loop tunables.
type Config struct {
	Workflow     string
	Exclusive    bool
	PollInterval time.Duration
	Timeout      time.Duration // 0 = no deadline
}

// Lock probes the remote server's session registry to decide whether this
// run may proceed, per the blocking rules of spec §4.6.
type Lock struct {
	client remote.Client
	cfg    Config
	tag    string
	now    func() time.Time
}

// New constructs a Lock; its context tag is computed once and reused for
// every instance this run opens.
func New(client remote.Client, cfg Config) *Lock {
	return &Lock{client: client, cfg: cfg, tag: BuildContextTag(cfg.Workflow, cfg.Exclusive), now: time.Now}
}

// Tag is the session context string this run's own invocations carry,
// passed through to the Executor so ExecuteProcess opens sessions under it.
func (l *Lock) Tag() string { return l.tag }

// Acquire blocks, polling every PollInterval, until no other run's session
// tags conflict with this run's exclusivity stance on any of instances, ctx
// is cancelled, or Timeout elapses (KindExclusiveLockTimeout, exit code 5).
func (l *Lock) Acquire(ctx context.Context, instances []string) error {
	var deadline time.Time
	if l.cfg.Timeout > 0 {
		deadline = l.now().Add(l.cfg.Timeout)
	}

	for {
		blocked, err := l.conflicts(ctx, instances)
		if err != nil {
			return err
		}
		if !blocked {
			return nil
		}
		if !deadline.IsZero() && l.now().After(deadline) {
			return errs.New(errs.KindExclusiveLockTimeout, "timed out waiting for exclusive access to "+l.cfg.Workflow)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.PollInterval):
		}
	}
}

// conflicts reports whether any other session on instances violates this
// run's blocking rule. A run never blocks on its own session's tag.
func (l *Lock) conflicts(ctx context.Context, instances []string) (bool, error) {
	for _, instance := range instances {
		sessions, err := l.client.ListSessions(ctx, instance)
		if err != nil {
			return false, err
		}
		for _, s := range sessions {
			if s.Tag == l.tag {
				continue
			}
			otherExclusive, _, ok := ParseContextTag(s.Tag)
			if !ok {
				continue
			}
			if l.cfg.Exclusive {
				return true, nil // exclusive run: any other RushTI-family tag blocks
			}
			if otherExclusive {
				return true, nil // non-exclusive run: only an exclusive tag blocks
			}
		}
	}
	return false, nil
}

// Release ends every session this run opened, keyed by instance. It is
// best-effort: the first error is returned but every instance is attempted.
func (l *Lock) Release(ctx context.Context, sessionIDs map[string]string) error {
	var firstErr error
	for instance, id := range sessionIDs {
		if id == "" {
			continue
		}
		if err := l.client.EndSession(ctx, instance, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
