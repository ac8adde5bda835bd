package provider

import (
	"context"
	"testing"
	"time"

	"github.com/sitscholl/MeteoService/internal/gapfinder"
	"github.com/sitscholl/MeteoService/internal/record"
)

func TestNewBaseRejectsNonPositiveConcurrency(t *testing.T) {
	if _, err := NewBase(time.Second, 0, time.Millisecond); err == nil {
		t.Fatalf("expected an error for max concurrent requests < 1")
	}
}

func TestOpenCloseRefcounting(t *testing.T) {
	b, err := NewBase(time.Second, 2, time.Millisecond)
	if err != nil {
		t.Fatalf("new base: %v", err)
	}
	ctx := context.Background()

	if err := b.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := b.Open(ctx); err != nil {
		t.Fatalf("nested open: %v", err)
	}
	if b.Client() == nil {
		t.Fatalf("expected a client while open")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if b.Client() == nil {
		t.Fatalf("expected client to still be live after only one of two closes")
	}

	if err := b.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if b.Client() != nil {
		t.Fatalf("expected client to be torn down once refcount reaches zero")
	}
}

func TestCloseWithoutOpenFails(t *testing.T) {
	b, _ := NewBase(time.Second, 1, time.Millisecond)
	if err := b.Close(); err == nil {
		t.Fatalf("expected an error closing a base that was never opened")
	}
}

func TestAcquireFailsOutsideOpenWindow(t *testing.T) {
	b, _ := NewBase(time.Second, 1, time.Millisecond)
	_, err := b.Acquire(context.Background())
	if err == nil {
		t.Fatalf("expected Acquire to fail outside an Open/Close window")
	}
}

func TestAcquireBoundsConcurrency(t *testing.T) {
	b, _ := NewBase(time.Second, 1, time.Microsecond)
	ctx := context.Background()
	if err := b.Open(ctx); err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	release, err := b.Acquire(ctx)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	acquired := make(chan struct{})
	go func() {
		r, err := b.Acquire(ctx)
		if err != nil {
			t.Errorf("second acquire: %v", err)
			return
		}
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatalf("second acquire should not succeed while the slot is held")
	case <-time.After(50 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("second acquire should succeed once the slot is released")
	}
}

type dummyAdapter struct{ name string }

func (d dummyAdapter) Name() string                                      { return d.name }
func (d dummyAdapter) Freq() time.Duration                                { return time.Hour }
func (d dummyAdapter) Inclusive() gapfinder.Inclusive                     { return gapfinder.InclusiveBoth }
func (d dummyAdapter) CanForecast() bool                                  { return false }
func (d dummyAdapter) CacheData() bool                                    { return true }
func (d dummyAdapter) LatestWindow() time.Duration                        { return time.Hour }
func (d dummyAdapter) ForecastWindow() time.Duration                      { return 0 }
func (d dummyAdapter) Open(ctx context.Context) error                     { return nil }
func (d dummyAdapter) Close() error                                       { return nil }
func (d dummyAdapter) ListStations(ctx context.Context) ([]record.Station, error) {
	return nil, nil
}
func (d dummyAdapter) GetStationInfo(ctx context.Context, id string) (record.Station, error) {
	return record.Station{}, nil
}
func (d dummyAdapter) GetSensors(ctx context.Context, id string) ([]Sensor, error) { return nil, nil }
func (d dummyAdapter) Run(ctx context.Context, station string, models []string, start, end time.Time) (*record.Frame, error) {
	return record.NewFrame(), nil
}

func TestRegistryLooksUpCaseInsensitively(t *testing.T) {
	r := NewRegistry(dummyAdapter{name: "Province"})
	a, err := r.Get("province")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if a.Name() != "Province" {
		t.Fatalf("unexpected adapter returned: %v", a.Name())
	}
}

func TestRegistryUnknownProvider(t *testing.T) {
	r := NewRegistry(dummyAdapter{name: "province"})
	if _, err := r.Get("nope"); err == nil {
		t.Fatalf("expected an error for an unregistered provider")
	}
}
