package pushfabric

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/ashureev/kazicore/internal/domain"
	"github.com/ashureev/kazicore/internal/orchestrator"
)

const testSigningKey = "test-signing-key"

func signAuthProof(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: subject})
	signed, err := token.SignedString([]byte(testSigningKey))
	if err != nil {
		t.Fatalf("failed to sign test auth proof: %v", err)
	}
	return signed
}

func TestSubscribeRejectsMismatchedSubject(t *testing.T) {
	f := New(Config{QueueSize: 4, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	_, err := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u2"))
	if err == nil {
		t.Error("Subscribe() error = nil, want a rejection for a mismatched subject")
	}
}

func TestSubscribeRejectsWithoutSigningKey(t *testing.T) {
	f := New(Config{QueueSize: 4}, nil)
	_, err := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))
	if err == nil {
		t.Error("Subscribe() error = nil, want a rejection when no signing key is configured")
	}
}

func TestSubscribeAndPublishDeliversEvent(t *testing.T) {
	f := New(Config{QueueSize: 4, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	sub, err := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	f.Publish("u1", orchestrator.Event{Kind: orchestrator.EventContent, Content: "hello"})

	select {
	case ev := <-sub.Events():
		if ev.Content != "hello" {
			t.Errorf("event content = %q, want hello", ev.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestPublishOnlyReachesSubscribersOfThatUser(t *testing.T) {
	f := New(Config{QueueSize: 4, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	sub1, _ := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))
	sub2, _ := f.Subscribe(context.Background(), "u2", signAuthProof(t, "u2"))

	f.Publish("u1", orchestrator.Event{Kind: orchestrator.EventContent, Content: "for u1"})

	select {
	case ev := <-sub1.Events():
		if ev.Content != "for u1" {
			t.Errorf("sub1 got %q, want for u1", ev.Content)
		}
	case <-time.After(time.Second):
		t.Fatal("sub1 never received its event")
	}

	select {
	case ev := <-sub2.Events():
		t.Errorf("sub2 unexpectedly received %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestPublishFullQueueDisconnectsSubscriber(t *testing.T) {
	f := New(Config{QueueSize: 1, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	sub, _ := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))

	f.Publish("u1", orchestrator.Event{Kind: orchestrator.EventContent, Content: "first"})
	f.Publish("u1", orchestrator.Event{Kind: orchestrator.EventContent, Content: "second"}) // overflows the size-1 queue

	select {
	case _, ok := <-sub.Events():
		_ = ok
	case <-time.After(time.Second):
	}

	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				if !sub.Backpressured() {
					t.Error("channel closed but Backpressured() = false")
				}
				return
			}
		case <-deadline:
			t.Fatal("subscriber was never disconnected after its queue overflowed")
		}
	}
}

func TestUnsubscribeClosesEventsChannel(t *testing.T) {
	f := New(Config{QueueSize: 4, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	sub, _ := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))

	f.Unsubscribe(sub)

	_, ok := <-sub.Events()
	if ok {
		t.Error("Events() channel still open after Unsubscribe()")
	}
}

func TestPongRespondsAndResetsHeartbeat(t *testing.T) {
	f := New(Config{QueueSize: 4, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	sub, _ := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))

	ev := f.Pong(sub)
	if ev.Kind != orchestrator.EventPong {
		t.Errorf("Pong() kind = %q, want pong", ev.Kind)
	}
}

func TestPublishTaskUpdateAndNotificationTranslateEventKinds(t *testing.T) {
	f := New(Config{QueueSize: 4, JWTSigningKey: testSigningKey, HeartbeatInterval: time.Hour}, nil)
	sub, _ := f.Subscribe(context.Background(), "u1", signAuthProof(t, "u1"))

	f.PublishTaskUpdate("u1", "running", "run1")
	select {
	case ev := <-sub.Events():
		if ev.Kind != orchestrator.EventTaskUpdate || ev.TaskRunID != "run1" {
			t.Errorf("event = %+v, want a task_update for run1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no task_update event delivered")
	}

	f.PublishNotification("u1", domain.Notification{ID: "n1", Title: "done"})
	select {
	case ev := <-sub.Events():
		if ev.Kind != orchestrator.EventNotification || ev.Notification == nil || ev.Notification.ID != "n1" {
			t.Errorf("event = %+v, want a notification event for n1", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification event delivered")
	}
}
