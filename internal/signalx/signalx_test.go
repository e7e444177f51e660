package signalx

import "testing"

func TestClassifyStates(t *testing.T) {
	alwaysIntact := func(uintptr) bool { return true }
	neverIntact := func(uintptr) bool { return false }

	if got := Classify(5, 5, 10, 0, alwaysIntact); got != InGuest {
		t.Errorf("both in range + intact magics = %v, want InGuest", got)
	}
	if got := Classify(5, 5, 10, 0, neverIntact); got != FrameBeingCreated {
		t.Errorf("both in range, broken magics = %v, want FrameBeingCreated", got)
	}
	if got := Classify(20, 20, 10, 0, alwaysIntact); got != InVM {
		t.Errorf("both out of range = %v, want InVM", got)
	}
	if got := Classify(5, 20, 10, 0, alwaysIntact); got != Transitioning {
		t.Errorf("sp in range, bp out = %v, want Transitioning", got)
	}
}

func TestMailboxSendAnswerRestart(t *testing.T) {
	m := NewMailbox()
	if err := m.Send(&Query{Kind: GetNumFrames}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if err := m.Send(&Query{Kind: GetNumFrames}); err != ErrQueryAlreadyOutstanding {
		t.Fatalf("second Send should fail while one is outstanding, got %v", err)
	}

	done := make(chan struct{})
	go func() {
		m.Answer(func() Answer { return Answer{State: InGuest, NumInt: 3} })
		close(done)
	}()

	a := m.AwaitAnswer()
	if a.State != InGuest || a.NumInt != 3 {
		t.Fatalf("unexpected answer: %+v", a)
	}
	m.Restart()
	<-done

	if err := m.Send(&Query{Kind: GetNumFrames}); err != nil {
		t.Fatalf("Send after Restart should succeed, got %v", err)
	}
}
