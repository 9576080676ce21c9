// Package remotefake provides a scripted implementation of remote.Client
// for tests, in the style of scoot's runner/fake package: a minimal struct
// that returns pre-programmed behavior per process name rather than talking
// to a network.
package remotefake

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cubewise-code/rushti/internal/remote"
)

// Behavior scripts how one (instance, process) invocation behaves.
type Behavior struct {
	// Sleep is how long the process appears to run before reaching its
	// terminal state.
	Sleep time.Duration
	// Outcome is the terminal ResultState once Sleep has elapsed.
	Outcome remote.ResultState
	// TransientFailures is the number of leading ExecuteProcess attempts
	// that fail with ClassTransient before succeeding.
	TransientFailures int
	// NeverFinishes, if true, means PollInvocation always reports Running
	// until Cancel is called - used for timeout/cancel scenarios (S4).
	NeverFinishes bool
}

// Client is a scripted remote.Client.
type Client struct {
	mu         sync.Mutex
	behaviors  map[string]Behavior // keyed by process name
	started    map[string]time.Time
	attempts   map[string]int
	cancelled  map[string]bool
	members    map[string][]string // keyed by expression
	probe      map[string]remote.ProbeResult
	sessions   map[string][]remote.RemoteSession // keyed by instance
	calls      []string
}

// New constructs an empty fake client; tests populate it through
// SetBehavior/SetMembers.
func New() *Client {
	return &Client{
		behaviors: map[string]Behavior{},
		started:   map[string]time.Time{},
		attempts:  map[string]int{},
		cancelled: map[string]bool{},
		members:   map[string][]string{},
		probe:     map[string]remote.ProbeResult{},
		sessions:  map[string][]remote.RemoteSession{},
	}
}

func (c *Client) SetBehavior(process string, b Behavior) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.behaviors[process] = b
}

func (c *Client) SetMembers(expression string, members []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.members[expression] = members
}

func (c *Client) SetProbe(process string, result remote.ProbeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.probe[process] = result
}

func (c *Client) SetSessions(instance string, sessions []remote.RemoteSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions[instance] = sessions
}

func (c *Client) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Client) record(s string) {
	c.calls = append(c.calls, s)
}

func (c *Client) ExecuteProcess(ctx context.Context, instance, process string, parameters map[string]string, sessionTag string) (remote.InvocationHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record(fmt.Sprintf("execute:%s:%s", instance, process))

	b := c.behaviors[process]
	attemptKey := instance + "/" + process
	c.attempts[attemptKey]++
	if c.attempts[attemptKey] <= b.TransientFailures {
		return remote.InvocationHandle{}, &remote.Error{Class: remote.ClassTransient, Message: "simulated transient failure"}
	}
	id := instance + "/" + process + "/" + uuid.NewString()
	c.started[id] = time.Now()
	return remote.InvocationHandle{Instance: instance, ID: id}, nil
}

func (c *Client) PollInvocation(ctx context.Context, h remote.InvocationHandle, wait time.Duration) (remote.ExecutionResult, error) {
	c.mu.Lock()
	process := processFromID(h.ID)
	b := c.behaviors[process]
	started := c.started[h.ID]
	cancelled := c.cancelled[h.ID]
	c.mu.Unlock()

	if cancelled {
		return remote.ExecutionResult{State: remote.StateFailed, Message: "cancelled"}, nil
	}
	if b.NeverFinishes {
		return remote.ExecutionResult{State: remote.StateRunning}, nil
	}
	if time.Since(started) < b.Sleep {
		return remote.ExecutionResult{State: remote.StateRunning}, nil
	}
	switch b.Outcome {
	case remote.StateSucceeded, remote.StateMinorErrors:
		return remote.ExecutionResult{State: b.Outcome}, nil
	default:
		return remote.ExecutionResult{State: remote.StateFailed, Message: "simulated failure"}, nil
	}
}

func (c *Client) CancelInvocation(ctx context.Context, h remote.InvocationHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[h.ID] = true
	c.record("cancel:" + h.ID)
	return nil
}

func (c *Client) ListSessions(ctx context.Context, instance string) ([]remote.RemoteSession, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessions[instance], nil
}

func (c *Client) EndSession(ctx context.Context, instance string, sessionID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var kept []remote.RemoteSession
	for _, s := range c.sessions[instance] {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	c.sessions[instance] = kept
	return nil
}

func (c *Client) ExpandMembers(ctx context.Context, instance, expression string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.members[expression], nil
}

func (c *Client) ProbeProcess(ctx context.Context, instance, process string) (remote.ProbeResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if r, ok := c.probe[process]; ok {
		return r, nil
	}
	return remote.ProbeExists, nil
}

func processFromID(id string) string {
	// id is "instance/process/uuid"
	parts := strings.SplitN(id, "/", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[1]
}
