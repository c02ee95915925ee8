package watch

import (
	"errors"
	"sync"
	"testing"
)

func TestValue_SubscribeReceivesCurrent(t *testing.T) {
	v := New("closed")
	ch, err := v.Subscribe("ui")
	if err != nil {
		t.Fatalf("Subscribe error: %v", err)
	}
	if got := <-ch; got != "closed" {
		t.Errorf("first value = %q, want closed", got)
	}
}

func TestValue_LatestWins(t *testing.T) {
	v := New(0)
	ch, _ := v.Subscribe("slow")
	<-ch

	for i := 1; i <= 100; i++ {
		v.Set(i)
	}

	if got := <-ch; got != 100 {
		t.Errorf("slow subscriber got %d, want latest 100", got)
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected backlog value %d", extra)
	default:
	}

	st := v.Stats()
	if st.Published != 100 {
		t.Errorf("Published = %d, want 100", st.Published)
	}
	if st.Replaced != 99 {
		t.Errorf("Replaced = %d, want 99", st.Replaced)
	}
}

func TestValue_Errors(t *testing.T) {
	v := New(1)

	if _, err := v.Subscribe("a"); err != nil {
		t.Fatalf("Subscribe(a) error: %v", err)
	}
	if _, err := v.Subscribe("a"); !errors.Is(err, ErrSubscriberExists) {
		t.Errorf("duplicate Subscribe error = %v, want ErrSubscriberExists", err)
	}
	if err := v.Unsubscribe("b"); !errors.Is(err, ErrSubscriberNotFound) {
		t.Errorf("Unsubscribe(unknown) error = %v, want ErrSubscriberNotFound", err)
	}

	v.Close()
	if _, err := v.Subscribe("c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close error = %v, want ErrClosed", err)
	}
	v.Set(2)
	if v.Get() != 1 {
		t.Errorf("Set after Close changed value to %d", v.Get())
	}
}

func TestValue_UnsubscribeClosesChannel(t *testing.T) {
	v := New(1)
	ch, _ := v.Subscribe("a")
	<-ch

	if err := v.Unsubscribe("a"); err != nil {
		t.Fatalf("Unsubscribe error: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Error("channel still open after Unsubscribe")
	}
}

func TestValue_ConcurrentSetAndGet(t *testing.T) {
	v := New(0)
	ch, _ := v.Subscribe("reader")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range ch {
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(base int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v.Set(base*100 + j)
				_ = v.Get()
			}
		}(i)
	}
	wg.Wait()
	v.Close()
	<-done

	if got := v.Stats().Published; got != 800 {
		t.Errorf("Published = %d, want 800", got)
	}
}
