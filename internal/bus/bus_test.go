package bus

import "testing"

func TestPublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicHookWake)
	defer b.Unsubscribe(sub)

	b.Publish(TopicHookWake, WakeDispatched{Text: "hi", Mode: "now"})

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicHookWake {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicHookWake)
		}
		wake := ev.Payload.(WakeDispatched)
		if wake.Text != "hi" {
			t.Fatalf("payload = %+v", wake)
		}
	default:
		t.Fatal("event not delivered")
	}
}

func TestPrefixMatching(t *testing.T) {
	b := New()
	all := b.Subscribe("stream.")
	tokens := b.Subscribe(TopicStreamToken)
	other := b.Subscribe(TopicSessionState)
	defer b.Unsubscribe(all)
	defer b.Unsubscribe(tokens)
	defer b.Unsubscribe(other)

	b.Publish(TopicStreamToken, StreamTokenEvent{RunID: "r", Token: "x"})
	b.Publish(TopicStreamDone, StreamDoneEvent{RunID: "r"})

	if got := len(all.Ch()); got != 2 {
		t.Fatalf("prefix subscriber got %d events, want 2", got)
	}
	if got := len(tokens.Ch()); got != 1 {
		t.Fatalf("exact subscriber got %d events, want 1", got)
	}
	if got := len(other.Ch()); got != 0 {
		t.Fatalf("unrelated subscriber got %d events, want 0", got)
	}
}

func TestEmptyPrefixMatchesAll(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	b.Publish(TopicHookWake, WakeDispatched{})
	b.Publish(TopicSessionState, SessionStateEvent{})

	if got := len(sub.Ch()); got != 2 {
		t.Fatalf("got %d events, want 2", got)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicHookWake)
	defer b.Unsubscribe(sub)

	// Publish must never block, even past the buffer.
	for i := 0; i < defaultBufferSize+10; i++ {
		b.Publish(TopicHookWake, WakeDispatched{Text: "x"})
	}
	if got := len(sub.Ch()); got != defaultBufferSize {
		t.Fatalf("buffered = %d, want %d", got, defaultBufferSize)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicHookWake)
	b.Unsubscribe(sub)
	// Safe to call twice.
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after unsubscribe")
	}
	if got := b.SubscriberCount(); got != 0 {
		t.Fatalf("subscriber count = %d, want 0", got)
	}
}
