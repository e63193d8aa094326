package dispatchpool

import "testing"

func TestIsActive(t *testing.T) {
	cases := []struct {
		status DispatchPoolStatus
		want   bool
	}{
		{DispatchPoolStatusActive, true},
		{DispatchPoolStatusSuspended, false},
	}

	for _, c := range cases {
		p := &DispatchPool{Status: c.status}
		if got := p.IsActive(); got != c.want {
			t.Errorf("IsActive() with status %s = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestGetConcurrencyOrDefault(t *testing.T) {
	cases := []struct {
		name        string
		concurrency int
		defaultVal  int
		want        int
	}{
		{"positive value wins", 5, 10, 5},
		{"zero falls back to default", 0, 10, 10},
		{"negative falls back to default", -1, 10, 10},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &DispatchPool{Concurrency: c.concurrency}
			if got := p.GetConcurrencyOrDefault(c.defaultVal); got != c.want {
				t.Errorf("GetConcurrencyOrDefault(%d) = %d, want %d", c.defaultVal, got, c.want)
			}
		})
	}
}

func TestGetQueueCapacityOrDefault(t *testing.T) {
	cases := []struct {
		name       string
		capacity   int
		defaultVal int
		want       int
	}{
		{"positive value wins", 100, 50, 100},
		{"zero falls back to default", 0, 50, 50},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			p := &DispatchPool{QueueCapacity: c.capacity}
			if got := p.GetQueueCapacityOrDefault(c.defaultVal); got != c.want {
				t.Errorf("GetQueueCapacityOrDefault(%d) = %d, want %d", c.defaultVal, got, c.want)
			}
		})
	}
}
