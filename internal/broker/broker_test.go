package broker

import "testing"

func TestPublishFansOutToMatchingSubscribers(t *testing.T) {
	b := New()
	f, err := ParseFilter("job/+/widget")
	if err != nil {
		t.Fatal(err)
	}
	sub := b.Subscribe([]Filter{f})

	b.Publish(Event{Topic: "job/alice/widget", Detail: Detail{Kind: JobUpdate}})
	b.Publish(Event{Topic: "job/alice/other", Detail: Detail{Kind: JobUpdate}})

	select {
	case evt := <-sub.Events():
		if evt.Topic != "job/alice/widget" {
			t.Fatalf("got topic %q", evt.Topic)
		}
	default:
		t.Fatal("expected a matching event to be queued")
	}

	select {
	case evt := <-sub.Events():
		t.Fatalf("unexpected second event: %+v", evt)
	default:
	}
}

func TestPublishReapsClosedSubscriptions(t *testing.T) {
	b := New()
	f, _ := ParseFilter("job")
	sub := b.Subscribe([]Filter{f})
	sub.Close()

	b.Publish(Event{Topic: "job", Detail: Detail{Kind: JobCreate}})

	b.mu.Lock()
	n := len(b.subs)
	b.mu.Unlock()
	if n != 0 {
		t.Fatalf("expected closed subscription to be reaped, got %d remaining", n)
	}
}
