package llm

import (
	"context"
	"strings"
)

// EchoClient is a deterministic, network-free ChatClient test double. It
// streams the last user message back word-by-word as content deltas,
// mirroring internal/embed's StaticEmbedder fallback: no external
// dependency, useful for wiring tests and offline development.
type EchoClient struct {
	// Prefix is prepended to the echoed reply, e.g. "echo: ".
	Prefix string
}

// NewEchoClient creates an EchoClient with the given reply prefix.
func NewEchoClient(prefix string) *EchoClient {
	return &EchoClient{Prefix: prefix}
}

// ChatStream implements ChatClient.
func (c *EchoClient) ChatStream(ctx context.Context, model string, messages []Message, tools []ToolSpec) (<-chan StreamEvent, error) {
	out := make(chan StreamEvent, 8)

	lastUser := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			lastUser = messages[i].Content
			break
		}
	}

	words := strings.Fields(c.Prefix + lastUser)

	go func() {
		defer close(out)
		for _, w := range words {
			select {
			case <-ctx.Done():
				out <- StreamEvent{Kind: EventError, Err: ctx.Err()}
				return
			case out <- StreamEvent{Kind: EventContentDelta, Delta: w + " "}:
			}
		}
		out <- StreamEvent{Kind: EventDone, FinishReason: "stop"}
	}()

	return out, nil
}
