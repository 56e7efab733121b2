package clock

import (
	"sync"
	"testing"
	"time"
)

func TestNow_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	result := Real.Now()
	after := time.Now()

	if result.Before(before) || result.After(after) {
		t.Errorf("Now() returned %v, expected between %v and %v", result, before, after)
	}
}

func TestMockClock_Advance(t *testing.T) {
	mockTime := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	mock := NewMockClock(mockTime)

	first := mock.Now()
	mock.Advance(time.Hour)
	second := mock.Now()

	if !second.Equal(mockTime.Add(time.Hour)) {
		t.Errorf("After Advance, Now() = %v, expected %v", second, mockTime.Add(time.Hour))
	}
	if !first.Equal(mockTime) {
		t.Errorf("Before Advance, Now() = %v, expected %v", first, mockTime)
	}
}

func TestMockClock_SetAndSince(t *testing.T) {
	mock := NewMockClock(time.Date(1999, 1, 1, 0, 0, 0, 0, time.UTC))

	newTime := time.Date(2025, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.Set(newTime)

	if !mock.Now().Equal(newTime) {
		t.Errorf("After Set, Now() = %v, expected %v", mock.Now(), newTime)
	}
	if got := mock.Since(newTime.Add(-time.Minute)); got != time.Minute {
		t.Errorf("Since() = %v, expected 1m", got)
	}
}

func TestMockClock_Concurrent(t *testing.T) {
	mock := NewMockClock(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			mock.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = mock.Now()
		}()
	}
	wg.Wait()

	want := time.Date(2025, 1, 1, 0, 0, 50, 0, time.UTC)
	if !mock.Now().Equal(want) {
		t.Errorf("Now() = %v, expected %v", mock.Now(), want)
	}
}

func TestInterfaceCompliance(t *testing.T) {
	var _ Clock = RealClock{}
	var _ Clock = &MockClock{}
}
