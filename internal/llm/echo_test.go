package llm

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, ch <-chan StreamEvent) []StreamEvent {
	t.Helper()
	var events []StreamEvent
	timeout := time.After(2 * time.Second)
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, e)
			if e.Kind == EventDone || e.Kind == EventError {
				return events
			}
		case <-timeout:
			t.Fatal("timed out waiting for stream")
		}
	}
}

func TestEchoClient_EchoesLastUserMessage(t *testing.T) {
	c := NewEchoClient("")
	ch, err := c.ChatStream(context.Background(), "any-model", []Message{
		{Role: RoleSystem, Content: "be helpful"},
		{Role: RoleUser, Content: "hello there"},
	}, nil)
	require.NoError(t, err)

	events := drain(t, ch)
	require.NotEmpty(t, events)

	var text strings.Builder
	for _, e := range events {
		if e.Kind == EventContentDelta {
			text.WriteString(e.Delta)
		}
	}
	assert.Contains(t, text.String(), "hello")
	assert.Contains(t, text.String(), "there")
	assert.Equal(t, EventDone, events[len(events)-1].Kind)
}

func TestEchoClient_UsesPrefix(t *testing.T) {
	c := NewEchoClient("echo:")
	ch, err := c.ChatStream(context.Background(), "any-model", []Message{
		{Role: RoleUser, Content: "ping"},
	}, nil)
	require.NoError(t, err)

	events := drain(t, ch)
	var text strings.Builder
	for _, e := range events {
		if e.Kind == EventContentDelta {
			text.WriteString(e.Delta)
		}
	}
	assert.Contains(t, text.String(), "echo:")
}

func TestEchoClient_ContextCancelled_EmitsError(t *testing.T) {
	c := NewEchoClient("")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ch, err := c.ChatStream(ctx, "any-model", []Message{
		{Role: RoleUser, Content: "one two three four five six seven eight"},
	}, nil)
	require.NoError(t, err)

	events := drain(t, ch)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Kind)
	assert.ErrorIs(t, last.Err, context.Canceled)
}
