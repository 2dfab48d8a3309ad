package events_test

import (
	"testing"

	"github.com/chainpaint/chainpaint/foundation/events"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// =============================================================================

func Test_FanOut(t *testing.T) {
	t.Log("Given the need to fan a message out to every subscriber.")
	{
		hub := events.New()
		defer hub.Shutdown()

		ch1 := hub.Acquire("sub1")
		ch2 := hub.Acquire("sub2")

		hub.Send("hello")

		for i, ch := range []chan string{ch1, ch2} {
			select {
			case msg := <-ch:
				if msg != "hello" {
					t.Fatalf("\t%s\tShould receive the message on subscriber %d: got %q", failed, i, msg)
				}
				t.Logf("\t%s\tShould receive the message on subscriber %d.", success, i)
			default:
				t.Fatalf("\t%s\tShould receive the message on subscriber %d.", failed, i)
			}
		}
	}
}

func Test_SlowSubscriberDropped(t *testing.T) {
	t.Log("Given the need to drop a subscriber that stops reading.")
	{
		hub := events.New()
		defer hub.Shutdown()

		ch := hub.Acquire("slow")

		// Overflow the subscriber buffer without ever reading.
		for i := 0; i < 2000; i++ {
			hub.Send("msg")
		}

		// Drain until the channel reports closed.
		closed := false
		for i := 0; i < 2000; i++ {
			if _, wd := <-ch; !wd {
				closed = true
				break
			}
		}

		if !closed {
			t.Fatalf("\t%s\tShould close the channel of a slow subscriber.", failed)
		}
		t.Logf("\t%s\tShould close the channel of a slow subscriber.", success)

		if err := hub.Release("slow"); err == nil {
			t.Fatalf("\t%s\tShould already have removed the slow subscriber.", failed)
		}
		t.Logf("\t%s\tShould already have removed the slow subscriber.", success)
	}
}

func Test_ReleaseAndShutdown(t *testing.T) {
	t.Log("Given the need to release subscribers and shut the hub down.")
	{
		hub := events.New()

		ch := hub.Acquire("sub")
		if err := hub.Release("sub"); err != nil {
			t.Fatalf("\t%s\tShould be able to release a subscriber: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to release a subscriber.", success)

		if _, wd := <-ch; wd {
			t.Fatalf("\t%s\tShould find the released channel closed.", failed)
		}
		t.Logf("\t%s\tShould find the released channel closed.", success)

		ch2 := hub.Acquire("sub2")
		hub.Shutdown()

		if _, wd := <-ch2; wd {
			t.Fatalf("\t%s\tShould find all channels closed after shutdown.", failed)
		}
		t.Logf("\t%s\tShould find all channels closed after shutdown.", success)
	}
}
