package mogiletest

import "testing"

// Cluster is a tracker plus its storage node.
type Cluster struct {
	Tracker *Tracker
	Storage *Storage
}

// Start brings up a cluster that is torn down when the test ends.
func Start(t testing.TB) *Cluster {
	t.Helper()

	storage := NewStorage()
	tracker, err := NewTracker(storage)
	if err != nil {
		storage.Close()
		t.Fatalf("start tracker: %v", err)
	}
	t.Cleanup(func() {
		tracker.Close()
		storage.Close()
	})
	return &Cluster{Tracker: tracker, Storage: storage}
}

// Trackers returns the tracker address list for a client.
func (c *Cluster) Trackers() []string {
	return []string{c.Tracker.Addr()}
}
