package worker

import (
	"bytes"
	"testing"
	"time"
)

func TestWireLocalProducerConsumerRoundTrip(t *testing.T) {
	t.Parallel()

	w, err := NewWire("test-wire-roundtrip", 4, 8)
	if err != nil {
		t.Fatalf("NewWire() error = %v", err)
	}
	defer w.Close()

	producer := w.LocalProducer()
	consumer := w.LocalConsumer()

	data := []byte{1, 2, 3, 4}
	if err := producer.Put(data, 0, time.Second); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	got, err := consumer.Get(time.Second)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !bytes.Equal(got[:len(data)], data) {
		t.Fatalf("Get() = %v, want prefix %v", got, data)
	}
}

func TestWireProducerAndConsumerFilesOrdering(t *testing.T) {
	t.Parallel()

	w, err := NewWire("test-wire-files", 2, 4)
	if err != nil {
		t.Fatalf("NewWire() error = %v", err)
	}
	defer w.Close()

	pf := w.ProducerFiles()
	cf := w.ConsumerFiles()
	if len(pf) != 3 || len(cf) != 3 {
		t.Fatalf("ProducerFiles/ConsumerFiles length = %d/%d, want 3/3", len(pf), len(cf))
	}
	// Both sides share the same underlying segment file as their first
	// element.
	if pf[0].Name() != cf[0].Name() {
		t.Fatalf("segment file names differ between producer/consumer views: %q vs %q", pf[0].Name(), cf[0].Name())
	}
}

func TestFileSetAssignsSequentialIndices(t *testing.T) {
	t.Parallel()

	w, err := NewWire("test-wire-fileset", 2, 4)
	if err != nil {
		t.Fatalf("NewWire() error = %v", err)
	}
	defer w.Close()

	var fs FileSet
	idx0 := fs.Add(w.ProducerFiles()[0])
	idx1 := fs.Add(w.ProducerFiles()[1])
	idx2 := fs.Add(w.ProducerFiles()[2])

	if idx0 != 0 || idx1 != 1 || idx2 != 2 {
		t.Fatalf("indices = %d,%d,%d, want 0,1,2", idx0, idx1, idx2)
	}
	if len(fs.Files()) != 3 {
		t.Fatalf("len(Files()) = %d, want 3", len(fs.Files()))
	}
}
