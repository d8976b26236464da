package signals

import (
	"reflect"
	"testing"
)

func TestList_EmitInSubscriptionOrder(t *testing.T) {
	var l List[string]
	var got []string

	l.Subscribe(func(v string) { got = append(got, "a:"+v) })
	l.Subscribe(func(v string) { got = append(got, "b:"+v) })
	l.Subscribe(func(v string) { got = append(got, "c:"+v) })

	l.Emit("x")

	want := []string{"a:x", "b:x", "c:x"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestList_Cancel(t *testing.T) {
	var l List[int]
	calls := 0

	cancel := l.Subscribe(func(int) { calls++ })
	l.Emit(1)
	cancel()
	cancel()
	l.Emit(2)

	if calls != 1 {
		t.Errorf("Expected 1 call, got %d", calls)
	}
	if l.Len() != 0 {
		t.Errorf("Expected no subscribers, got %d", l.Len())
	}
}

func TestList_SubscribeDuringEmit(t *testing.T) {
	var l List[int]
	late := 0

	l.Subscribe(func(int) {
		l.Subscribe(func(int) { late++ })
	})

	l.Emit(1)
	if late != 0 {
		t.Errorf("Subscriber added during Emit should not see the same value")
	}

	l.Emit(2)
	if late != 1 {
		t.Errorf("Expected late subscriber to run once, got %d", late)
	}
}
