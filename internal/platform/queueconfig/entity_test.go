package queueconfig

import "testing"

func TestQueueConfigIsActive(t *testing.T) {
	cases := []struct {
		status QueueConfigStatus
		want   bool
	}{
		{QueueConfigStatusActive, true},
		{QueueConfigStatusDisabled, false},
	}

	for _, c := range cases {
		q := &QueueConfig{Status: c.status}
		if got := q.IsActive(); got != c.want {
			t.Errorf("IsActive() with status %s = %v, want %v", c.status, got, c.want)
		}
	}
}

func TestGetConnectionsOrDefault(t *testing.T) {
	cases := []struct {
		name        string
		connections int
		defaultVal  int
		want        int
	}{
		{"positive value wins", 3, 1, 3},
		{"zero falls back to default", 0, 1, 1},
		{"negative falls back to default", -1, 1, 1},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			q := &QueueConfig{Connections: c.connections}
			if got := q.GetConnectionsOrDefault(c.defaultVal); got != c.want {
				t.Errorf("GetConnectionsOrDefault(%d) = %d, want %d", c.defaultVal, got, c.want)
			}
		})
	}
}
