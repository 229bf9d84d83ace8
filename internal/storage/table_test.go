package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/dreamware/dsm/internal/variable"
)

// TestTable tests lazy creation, declaration and kind checks
func TestTable(t *testing.T) {
	t.Run("new table is empty", func(t *testing.T) {
		table := NewTable()
		if n := len(table.List()); n != 0 {
			t.Errorf("Expected empty table, got %d variables", n)
		}
		if _, err := table.Get("missing"); !errors.Is(err, variable.ErrUnknownVariable) {
			t.Errorf("Expected ErrUnknownVariable, got %v", err)
		}
	})

	t.Run("counters are created lazily and reused", func(t *testing.T) {
		table := NewTable()
		c1, err := table.Counter("hits")
		if err != nil {
			t.Fatalf("Counter: %v", err)
		}
		c1.Increment(5)

		c2, err := table.Counter("hits")
		if err != nil {
			t.Fatalf("Counter: %v", err)
		}
		if c1 != c2 {
			t.Error("Expected the same counter instance")
		}
		if got := c2.Load(); got != 5 {
			t.Errorf("Expected 5, got %d", got)
		}
	})

	t.Run("kind mismatch", func(t *testing.T) {
		table := NewTable()
		if _, err := table.Accumulator("x"); err != nil {
			t.Fatalf("Accumulator: %v", err)
		}
		if _, err := table.Counter("x"); !errors.Is(err, variable.ErrKindMismatch) {
			t.Errorf("Expected ErrKindMismatch from Counter, got %v", err)
		}
		if _, err := table.Mutex("x"); !errors.Is(err, variable.ErrKindMismatch) {
			t.Errorf("Expected ErrKindMismatch from Mutex, got %v", err)
		}
		if _, err := table.Matrix("x"); !errors.Is(err, variable.ErrKindMismatch) {
			t.Errorf("Expected ErrKindMismatch from Matrix, got %v", err)
		}
		if _, err := table.Declare("x", variable.KindCounter32, 0, 0); !errors.Is(err, variable.ErrKindMismatch) {
			t.Errorf("Expected ErrKindMismatch from Declare, got %v", err)
		}
	})

	t.Run("matrices must be declared", func(t *testing.T) {
		table := NewTable()
		if _, err := table.Matrix("m"); !errors.Is(err, variable.ErrUnknownVariable) {
			t.Errorf("Expected ErrUnknownVariable, got %v", err)
		}
		if _, err := table.Declare("m", variable.KindMatrix, 2, 3); err != nil {
			t.Fatalf("Declare: %v", err)
		}
		if _, err := table.Declare("m", variable.KindMatrix, 2, 3); err != nil {
			t.Errorf("Re-declare with same shape should succeed, got %v", err)
		}
		if _, err := table.Declare("m", variable.KindMatrix, 3, 2); !errors.Is(err, variable.ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch, got %v", err)
		}
		m, err := table.Matrix("m")
		if err != nil {
			t.Fatalf("Matrix: %v", err)
		}
		if r, c := m.Shape(); r != 2 || c != 3 {
			t.Errorf("Expected 2x3, got %dx%d", r, c)
		}
	})

	t.Run("declare rejects bad input", func(t *testing.T) {
		table := NewTable()
		if _, err := table.Declare("v", variable.Kind("blob"), 0, 0); !errors.Is(err, variable.ErrKindMismatch) {
			t.Errorf("Expected ErrKindMismatch, got %v", err)
		}
		if _, err := table.Declare("m", variable.KindMatrix, 0, 3); !errors.Is(err, variable.ErrDimensionMismatch) {
			t.Errorf("Expected ErrDimensionMismatch, got %v", err)
		}
		if len(table.List()) != 0 {
			t.Error("Failed declarations must not create variables")
		}
	})

	t.Run("delete", func(t *testing.T) {
		table := NewTable()
		table.Counter("c")
		if err := table.Delete("c"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := table.Delete("c"); !errors.Is(err, variable.ErrUnknownVariable) {
			t.Errorf("Expected ErrUnknownVariable, got %v", err)
		}
	})

	t.Run("delete aborts mutex waiters", func(t *testing.T) {
		table := NewTable()
		m, _ := table.Mutex("lock")
		m.Acquire(context.Background(), 1)

		errc := make(chan error, 1)
		go func() {
			_, err := m.Acquire(context.Background(), 2)
			errc <- err
		}()
		for len(m.State().Queue) == 0 {
			time.Sleep(time.Millisecond)
		}

		if err := table.Delete("lock"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if err := <-errc; !errors.Is(err, variable.ErrDisconnected) {
			t.Errorf("Expected ErrDisconnected, got %v", err)
		}
	})
}

// TestTableListAndStats checks the listing order and per-kind counts
func TestTableListAndStats(t *testing.T) {
	table := NewTable()
	table.Counter("b")
	table.Accumulator("a")
	table.Mutex("c")
	table.Declare("d", variable.KindMatrix, 4, 5)

	list := table.List()
	if len(list) != 4 {
		t.Fatalf("Expected 4 variables, got %d", len(list))
	}
	names := []string{list[0].Name, list[1].Name, list[2].Name, list[3].Name}
	if fmt.Sprint(names) != "[a b c d]" {
		t.Errorf("Expected sorted names, got %v", names)
	}
	if list[3].Kind != variable.KindMatrix || fmt.Sprint(list[3].Shape) != "[4 5]" {
		t.Errorf("Unexpected matrix info %+v", list[3])
	}

	stats := table.Stats()
	if stats.Variables != 4 {
		t.Errorf("Expected 4 variables, got %d", stats.Variables)
	}
	for _, k := range []variable.Kind{variable.KindCounter32, variable.KindFloat, variable.KindMutex, variable.KindMatrix} {
		if stats.ByKind[k] != 1 {
			t.Errorf("Expected one %s, got %d", k, stats.ByKind[k])
		}
	}
	if len(table.Mutexes()) != 1 {
		t.Errorf("Expected one mutex, got %d", len(table.Mutexes()))
	}
}

// TestTableConcurrency tests lazy creation racing on the same names
func TestTableConcurrency(t *testing.T) {
	table := NewTable()
	const goroutines, names, iterations = 10, 5, 100

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				c, err := table.Counter(fmt.Sprintf("counter-%d", i%names))
				if err != nil {
					t.Errorf("Counter: %v", err)
					return
				}
				c.Increment(1)
			}
		}()
	}
	wg.Wait()

	for i := 0; i < names; i++ {
		c, _ := table.Counter(fmt.Sprintf("counter-%d", i))
		want := int32(goroutines * iterations / names)
		if got := c.Load(); got != want {
			t.Errorf("counter-%d: expected %d, got %d", i, want, got)
		}
	}
}
