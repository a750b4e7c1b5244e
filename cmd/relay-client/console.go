// ABOUTME: Line-oriented command console over the connection manager
// ABOUTME: Prints state changes, agent status, assembled sections and errors as they arrive

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/2389/coven-relay/internal/assembly"
	"github.com/2389/coven-relay/internal/broadcast"
	"github.com/2389/coven-relay/internal/client"
	"github.com/2389/coven-relay/internal/correlation"
	"github.com/2389/coven-relay/internal/protocol"
	"github.com/2389/coven-relay/internal/router"
	"github.com/2389/coven-relay/internal/store"
)

var errQuit = errors.New("quit")

const helpText = `commands:
  submit <topic>             start a request on every agent
  ask <agent[,agent]> <topic> start a request on the named agents
  cancel [request-id]        cancel a request (default: the last one)
  chat <text>                send an unscoped chat message
  reply <text>               send a chat message to the last request
  status [request-id]        show tracked agent status
  stats                      show connection state
  connect | disconnect       manage the connection
  quit`

type console struct {
	mu      sync.Mutex
	out     io.Writer
	m       *client.Manager
	archive store.ArtifactSink
	last    string
}

func newConsole(out io.Writer, m *client.Manager, archive store.ArtifactSink) *console {
	return &console{out: out, m: m, archive: archive}
}

func (c *console) printf(attr color.Attribute, format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	color.New(attr).Fprintf(c.out, format+"\n", args...)
}

func (c *console) failf(format string, args ...any) {
	c.printf(color.FgRed, "  ✗ "+format, args...)
}

func (c *console) banner(url string) {
	c.printf(color.FgCyan, "relay-client %s → %s", version, url)
	c.printf(color.FgHiBlack, "type 'help' for commands")
}

func (c *console) lastRequest() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *console) setLast(id string) {
	c.mu.Lock()
	c.last = id
	c.mu.Unlock()
}

// command runs one input line.
func (c *console) command(ctx context.Context, line string) error {
	verb, rest, _ := strings.Cut(strings.TrimSpace(line), " ")
	rest = strings.TrimSpace(rest)

	switch verb {
	case "":
		return nil
	case "help", "?":
		c.printf(color.FgHiBlack, "%s", helpText)
	case "quit", "exit":
		return errQuit

	case "submit", "ask":
		var agents []string
		if verb == "ask" {
			var names string
			names, rest, _ = strings.Cut(rest, " ")
			agents = strings.Split(names, ",")
		}
		if rest == "" {
			if verb == "ask" {
				return errors.New("usage: ask <agent[,agent]> <topic>")
			}
			return errors.New("usage: submit <topic>")
		}
		f, err := c.m.SubmitRequest(ctx, protocol.SubmitPayload{Topic: rest, Agents: agents})
		if err != nil {
			return err
		}
		go c.await(ctx, "submit", f)

	case "cancel":
		id := rest
		if id == "" {
			id = c.lastRequest()
		}
		if id == "" {
			return errors.New("no request to cancel")
		}
		f, err := c.m.Cancel(ctx, id, "cancelled from console")
		if err != nil {
			return err
		}
		go c.await(ctx, "cancel", f)

	case "chat", "reply":
		if rest == "" {
			return fmt.Errorf("usage: %s <text>", verb)
		}
		var id string
		if verb == "reply" {
			if id = c.lastRequest(); id == "" {
				return errors.New("no request to reply to")
			}
		}
		f, err := c.m.SendChat(ctx, id, rest)
		if err != nil {
			return err
		}
		go c.await(ctx, "chat", f)

	case "status":
		id := rest
		if id == "" {
			id = c.lastRequest()
		}
		records := c.m.AgentStatuses(id)
		if len(records) == 0 {
			c.printf(color.FgHiBlack, "  no agents tracked for %q", id)
		}
		for _, r := range records {
			line := fmt.Sprintf("  %-10s %-9s %s", r.AgentID, r.Status, r.TaskDescription)
			if r.Progress != nil {
				line += fmt.Sprintf(" (%d/%d %s)", r.Progress.Current, r.Progress.Total, r.Progress.Unit)
			}
			c.printf(color.Reset, "%s", line)
		}

	case "stats":
		s := c.m.Stats()
		c.printf(color.Reset, "  state=%s attempt=%d pending=%d violations=%d generation=%d",
			s.State, s.Attempt, s.Pending, s.Violations, s.Generation)
		if sess, ok := c.m.Session(); ok {
			c.printf(color.Reset, "  session=%s server=%s heartbeat=%s", sess.ID, sess.ServerVersion, sess.HeartbeatInterval)
		}

	case "connect":
		return c.m.Connect(ctx)
	case "disconnect":
		return c.m.Disconnect(ctx, "disconnected from console")

	default:
		return fmt.Errorf("unknown command %q (try 'help')", verb)
	}
	return nil
}

// await reports the outcome of a command once its future settles.
func (c *console) await(ctx context.Context, what string, f *correlation.Future) {
	env, err := f.Wait(ctx)
	if err != nil {
		var remote *protocol.RemoteError
		if errors.As(err, &remote) {
			c.failf("%s rejected: %s (%s)", what, remote.Message, remote.Code)
			return
		}
		c.failf("%s failed: %v", what, err)
		return
	}

	switch env.Type {
	case protocol.TypeRequestAccepted:
		id, err := client.AcceptedRequestID(env)
		if err != nil {
			c.failf("%s: %v", what, err)
			return
		}
		if what == "submit" {
			c.setLast(id)
		}
		c.printf(color.FgGreen, "  ✓ %s accepted: %s", what, id)
	case protocol.TypeChatAccepted:
		if env.RequestID != "" {
			c.setLast(env.RequestID)
		}
		c.printf(color.FgGreen, "  ✓ chat accepted %s", env.RequestID)
	default:
		c.printf(color.FgGreen, "  ✓ %s: %s", what, env.Type)
	}
}

// watch prints asynchronous output until ctx ends or the manager closes.
func (c *console) watch(ctx context.Context) {
	events, _ := c.m.Subscribe(ctx, broadcast.TopicAll)
	states := c.m.StateChanges()
	artifacts := c.m.Artifacts()
	errs := c.m.Errors()

	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-states:
			if !ok {
				return
			}
			c.state(ch)
		case art, ok := <-artifacts:
			if !ok {
				return
			}
			c.artifact(ctx, art)
		case ev, ok := <-errs:
			if !ok {
				return
			}
			c.serverError(ev)
		case env, ok := <-events:
			if !ok {
				return
			}
			c.event(env)
		}
	}
}

func (c *console) state(ch client.StateChange) {
	attr := color.FgHiBlack
	if ch.Degraded() {
		attr = color.FgYellow
	}
	if ch.Cause != nil {
		c.printf(attr, "  [%s → %s] %v", ch.From, ch.To, ch.Cause)
		return
	}
	c.printf(attr, "  [%s → %s]", ch.From, ch.To)
}

func (c *console) event(env *protocol.Envelope) {
	switch env.Type {
	case protocol.TypeAgentStatus:
		if p, err := protocol.DecodePayload[protocol.StatusPayload](env); err == nil {
			c.printf(color.FgCyan, "  %s: %s %s", p.AgentID, p.Status, p.TaskDescription)
		}
	case protocol.TypeRequestComplete:
		if p, err := protocol.DecodePayload[protocol.CompletePayload](env); err == nil {
			c.printf(color.FgGreen, "  request %s finished: %s", p.RequestID, p.Status)
		}
	case protocol.TypeValidationResult:
		if p, err := protocol.DecodePayload[protocol.ValidationPayload](env); err == nil {
			if p.Passed {
				c.printf(color.FgGreen, "  %s: validation passed", p.AgentID)
			} else {
				c.printf(color.FgYellow, "  %s: validation failed: %s", p.AgentID, strings.Join(p.Issues, "; "))
			}
		}
	}
}

func (c *console) artifact(ctx context.Context, art assembly.Artifact) {
	c.printf(color.FgMagenta, "── %s / %s (%d chunks)", art.AgentID, art.Section, art.Chunks)
	c.printf(color.Reset, "%s", strings.TrimRight(art.Content, "\n"))

	if c.archive == nil {
		return
	}
	saveCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err := c.archive.SaveArtifact(saveCtx, store.Artifact{
		RequestID: art.RequestID,
		AgentID:   art.AgentID,
		Section:   art.Section,
		Format:    "text",
		Content:   art.Content,
		Metadata:  map[string]any{"chunks": art.Chunks},
	})
	if err != nil {
		c.failf("archiving section %s: %v", art.Section, err)
	}
}

func (c *console) serverError(ev router.ErrorEvent) {
	if ev.Correlated {
		// Already reported through the command's future.
		return
	}
	c.failf("%v", ev.Err)
}
