package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"golang.org/x/sys/unix"
)

func TestSharedPipelineVisibleAcrossOpen(t *testing.T) {
	t.Parallel()

	p, err := NewSharedPipeline("test-shared-pipeline")
	if err != nil {
		t.Fatalf("NewSharedPipeline() error = %v", err)
	}
	defer p.Close()

	dupFd, err := unix.Dup(int(p.File().File().Fd()))
	if err != nil {
		t.Fatalf("Dup() error = %v", err)
	}

	other, err := OpenPipeline("test-shared-pipeline", uintptr(dupFd))
	if err != nil {
		t.Fatalf("OpenPipeline() error = %v", err)
	}
	defer other.Close()

	p.RecordFrameDecoded()
	p.RecordFrameDecoded()
	other.RecordFrameDecoded()

	if got := p.Snapshot().FramesDecoded; got != 3 {
		t.Fatalf("FramesDecoded via original = %d, want 3", got)
	}
	if got := other.Snapshot().FramesDecoded; got != 3 {
		t.Fatalf("FramesDecoded via opened copy = %d, want 3", got)
	}

	other.SetQrxDepth(5)
	if got := p.Snapshot().QrxDepth; got != 5 {
		t.Fatalf("QrxDepth via original after write through opened copy = %d, want 5", got)
	}
}

func TestPipelineSnapshotCounts(t *testing.T) {
	t.Parallel()

	p := NewPipeline("cam1")
	p.RecordFrameDecoded()
	p.RecordFrameDecoded()
	p.RecordFrameDropped()
	p.RecordFrameRouted()
	p.RecordFrameEncoded()
	p.RecordSenderDropped()
	p.RecordOverlayApplied()
	p.SetQrxDepth(3)
	p.SetQtxDepth(1)

	snap := p.Snapshot()
	if snap.Name != "cam1" {
		t.Fatalf("Name = %q, want cam1", snap.Name)
	}
	if snap.FramesDecoded != 2 {
		t.Fatalf("FramesDecoded = %d, want 2", snap.FramesDecoded)
	}
	if snap.FramesDropped != 1 || snap.FramesRouted != 1 || snap.FramesEncoded != 1 {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.QrxDepth != 3 || snap.QtxDepth != 1 {
		t.Fatalf("unexpected queue depths: %+v", snap)
	}
}

func TestRegistryExposesPipelineGauges(t *testing.T) {
	t.Parallel()

	p := NewPipeline("cam1")
	p.RecordFrameDecoded()
	p.SetQrxDepth(2)

	reg := NewRegistry(func() []*Pipeline { return []*Pipeline{p} })
	gatherer := reg.Gatherer()

	count, err := testutil.GatherAndCount(gatherer, "framepipe_pipeline_frames_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count == 0 {
		t.Fatal("expected at least one framepipe_pipeline_frames_total series")
	}
}

func TestRegistryReflectsLiveUpdatesAcrossScrapes(t *testing.T) {
	t.Parallel()

	p := NewPipeline("cam1")
	reg := NewRegistry(func() []*Pipeline { return []*Pipeline{p} })

	reg.Gatherer()
	p.RecordFrameDecoded()
	p.RecordFrameDecoded()
	p.RecordFrameDecoded()

	count, err := testutil.GatherAndCount(reg.Gatherer(), "framepipe_pipeline_frames_total")
	if err != nil {
		t.Fatalf("GatherAndCount() error = %v", err)
	}
	if count == 0 {
		t.Fatal("expected series to still be present on second scrape")
	}
}
