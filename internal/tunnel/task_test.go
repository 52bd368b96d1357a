package tunnel

import (
	"sync"
	"testing"
)

func TestTaskRegistry_Counts(t *testing.T) {
	reg := NewTaskRegistry()
	if reg.Outstanding() != 0 {
		t.Fatalf("Outstanding() = %d, want 0", reg.Outstanding())
	}

	a := reg.Register()
	b := reg.Register()
	if reg.Outstanding() != 2 {
		t.Errorf("Outstanding() = %d, want 2", reg.Outstanding())
	}

	a.Done()
	if reg.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d, want 1", reg.Outstanding())
	}

	b.Done()
	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", reg.Outstanding())
	}
}

func TestTask_DoneIdempotent(t *testing.T) {
	reg := NewTaskRegistry()
	task := reg.Register()

	task.Done()
	task.Done()
	task.Done()

	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", reg.Outstanding())
	}
}

func TestTask_Clone(t *testing.T) {
	reg := NewTaskRegistry()
	task := reg.Register()
	clone := task.Clone()

	if reg.Outstanding() != 2 {
		t.Fatalf("Outstanding() = %d, want 2", reg.Outstanding())
	}

	// The original going away does not release the clone.
	task.Done()
	if reg.Outstanding() != 1 {
		t.Errorf("Outstanding() = %d after original Done, want 1", reg.Outstanding())
	}

	clone.Done()
	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d, want 0", reg.Outstanding())
	}
}

func TestTaskRegistry_Concurrent(t *testing.T) {
	reg := NewTaskRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				task := reg.Register()
				clone := task.Clone()
				task.Done()
				clone.Done()
			}
		}()
	}
	wg.Wait()

	if reg.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after concurrent churn, want 0", reg.Outstanding())
	}
}
