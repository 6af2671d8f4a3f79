package telegram

import (
	"testing"

	"github.com/mtzanidakis/bullpen/internal/store"
)

func TestChunkMessage(t *testing.T) {
	// Short message
	chunks := chunkMessage("hello", 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk, got %d", len(chunks))
	}

	// Exact limit
	msg := make([]byte, 4096)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 1 {
		t.Errorf("expected 1 chunk for exact limit, got %d", len(chunks))
	}

	// Over limit
	msg = make([]byte, 8192)
	for i := range msg {
		msg[i] = 'a'
	}
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks, got %d", len(chunks))
	}

	// Split at newline
	msg = make([]byte, 5000)
	for i := range msg {
		msg[i] = 'a'
	}
	msg[3000] = '\n'
	chunks = chunkMessage(string(msg), 4096)
	if len(chunks) != 2 {
		t.Errorf("expected 2 chunks with newline split, got %d", len(chunks))
	}
	if len(chunks[0]) != 3001 { // Up to and including the newline
		t.Errorf("expected first chunk length 3001, got %d", len(chunks[0]))
	}
}

func TestToTelegramMarkdown(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"**bold**", "*bold*"},
		{"hello **world**!", "hello *world*!"},
		{"**a** and **b**", "*a* and *b*"},
		{"no bold here", "no bold here"},
		{"*already single*", "*already single*"},
	}
	for _, tt := range tests {
		got := toTelegramMarkdown(tt.in)
		if got != tt.want {
			t.Errorf("toTelegramMarkdown(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRelayText(t *testing.T) {
	b := &Bot{channelID: "ch-general"}

	tests := []struct {
		name  string
		msg   *store.Message
		want  string
		relay bool
	}{
		{
			name:  "agent message is prefixed",
			msg:   &store.Message{ChannelID: "ch-general", SenderID: "max", SenderKind: store.SenderAgent, Content: "**done**"},
			want:  "max: *done*",
			relay: true,
		},
		{
			name:  "web human message is prefixed",
			msg:   &store.Message{ChannelID: "ch-general", SenderID: "operator", SenderKind: store.SenderHuman, Content: "hi"},
			want:  "operator: hi",
			relay: true,
		},
		{
			name:  "system message passes raw",
			msg:   &store.Message{ChannelID: "ch-general", SenderID: "system", SenderKind: store.SenderSystem, Content: "pipeline release finished"},
			want:  "pipeline release finished",
			relay: true,
		},
		{
			name: "own telegram message does not echo",
			msg:  &store.Message{ChannelID: "ch-general", SenderID: "tg-42", SenderKind: store.SenderHuman, Content: "hi"},
		},
		{
			name: "other channel is ignored",
			msg:  &store.Message{ChannelID: "ch-random", SenderID: "max", SenderKind: store.SenderAgent, Content: "hi"},
		},
		{
			name: "empty content is ignored",
			msg:  &store.Message{ChannelID: "ch-general", SenderID: "max", SenderKind: store.SenderAgent},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := b.relayText(tt.msg)
			if ok != tt.relay {
				t.Fatalf("relay = %v, want %v", ok, tt.relay)
			}
			if got != tt.want {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}
}
