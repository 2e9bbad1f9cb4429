package ingeststats

import "testing"

func TestRecordReadAccumulates(t *testing.T) {
	t.Parallel()

	s := New("rtsp://camera.local/stream")
	s.RecordRead(100)
	s.RecordRead(200)
	s.RecordDrop()

	snap := s.Snapshot()
	if snap.FramesRead != 2 {
		t.Fatalf("FramesRead = %d, want 2", snap.FramesRead)
	}
	if snap.BytesRead != 300 {
		t.Fatalf("BytesRead = %d, want 300", snap.BytesRead)
	}
	if snap.FramesDropped != 1 {
		t.Fatalf("FramesDropped = %d, want 1", snap.FramesDropped)
	}
	if snap.Source != "rtsp://camera.local/stream" {
		t.Fatalf("Source = %q, want the configured source", snap.Source)
	}
}

func TestSnapshotUptimeIsNonNegative(t *testing.T) {
	t.Parallel()

	s := New("file.mp4")
	snap := s.Snapshot()
	if snap.UptimeMs < 0 {
		t.Fatalf("UptimeMs = %d, want >= 0", snap.UptimeMs)
	}
	if snap.ConnectedAt <= 0 {
		t.Fatalf("ConnectedAt = %d, want > 0", snap.ConnectedAt)
	}
}
