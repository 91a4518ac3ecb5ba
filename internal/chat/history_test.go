package chat

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func msg(room, text string) PublicMessage {
	return NewPublicMessage(room, "alice", "", text, time.Now())
}

func TestAddAndLast(t *testing.T) {
	h := NewRoomHistory(5)

	h.Add(msg("general", "hello"))
	h.Add(msg("general", "hi"))
	h.Add(msg("general", "how are you?"))

	msgs := h.Last("general", 0)
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" {
		t.Errorf("expected first message 'hello', got %q", msgs[0].Text)
	}
	if msgs[2].Text != "how are you?" {
		t.Errorf("expected third message 'how are you?', got %q", msgs[2].Text)
	}
}

func TestRingBufferWraparound(t *testing.T) {
	h := NewRoomHistory(5)

	// Add 7 messages; the buffer holds only 5.
	for i := 1; i <= 7; i++ {
		h.Add(msg("general", fmt.Sprintf("msg-%d", i)))
	}

	msgs := h.Last("general", 0)
	if len(msgs) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(msgs))
	}

	// Should contain messages 3 through 7 in order.
	for i, m := range msgs {
		expected := fmt.Sprintf("msg-%d", i+3)
		if m.Text != expected {
			t.Errorf("index %d: expected %q, got %q", i, expected, m.Text)
		}
	}
}

func TestLastLimit(t *testing.T) {
	h := NewRoomHistory(5)
	for i := 1; i <= 7; i++ {
		h.Add(msg("tech", fmt.Sprintf("msg-%d", i)))
	}

	msgs := h.Last("tech", 2)
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "msg-6" || msgs[1].Text != "msg-7" {
		t.Errorf("expected newest two in order, got %q %q", msgs[0].Text, msgs[1].Text)
	}
}

func TestLastUnknownRoom(t *testing.T) {
	h := NewRoomHistory(0)

	msgs := h.Last("does-not-exist", 10)
	if msgs == nil {
		t.Fatal("expected non-nil empty slice, got nil")
	}
	if len(msgs) != 0 {
		t.Fatalf("expected 0 messages, got %d", len(msgs))
	}
}

func TestMultipleRooms(t *testing.T) {
	h := NewRoomHistory(5)

	h.Add(msg("general", "g1"))
	h.Add(msg("random", "r1"))
	h.Add(msg("general", "g2"))

	g := h.Last("general", 0)
	r := h.Last("random", 0)
	if len(g) != 2 || len(r) != 1 {
		t.Fatalf("expected 2/1 messages, got %d/%d", len(g), len(r))
	}
	if g[0].Text != "g1" || g[1].Text != "g2" {
		t.Errorf("general messages out of order: %+v", g)
	}
}

func TestConcurrentAccess(t *testing.T) {
	h := NewRoomHistory(5)
	goroutines := 100
	messagesPerGoroutine := 20

	var wg sync.WaitGroup
	wg.Add(goroutines)

	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			for m := 0; m < messagesPerGoroutine; m++ {
				h.Add(msg("busy", fmt.Sprintf("g%d-m%d", id, m)))
				// Interleave reads to stress the RWMutex.
				_ = h.Last("busy", 3)
			}
		}(g)
	}

	wg.Wait()

	if n := len(h.Last("busy", 0)); n != 5 {
		t.Fatalf("expected 5 messages after concurrent writes, got %d", n)
	}
}
