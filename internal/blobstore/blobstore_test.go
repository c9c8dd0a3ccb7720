package blobstore

import (
	"context"
	"errors"
	"testing"
)

type fakeManager struct {
	data      map[string][]byte
	deleted   []string
	deleteErr error
}

func (f *fakeManager) Get(_ context.Context, id string) ([]byte, error) {
	b, ok := f.data[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return b, nil
}

func (f *fakeManager) Delete(_ context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return f.deleteErr
}

func TestInjector_DownloadAndDelete(t *testing.T) {
	mgr := &fakeManager{data: map[string][]byte{"b1": []byte("hello")}}
	inj := New(mgr)

	data, err := inj.DownloadAndDelete(context.Background(), "b1")
	if err != nil {
		t.Fatalf("DownloadAndDelete: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
	if len(mgr.deleted) != 1 || mgr.deleted[0] != "b1" {
		t.Fatalf("expected delete to be called with b1, got %v", mgr.deleted)
	}
}

func TestInjector_DeletesEvenOnFetchFailure(t *testing.T) {
	mgr := &fakeManager{data: map[string][]byte{}}
	inj := New(mgr)

	_, err := inj.DownloadAndDelete(context.Background(), "missing")
	if err == nil {
		t.Fatal("expected error for missing blob")
	}
	if len(mgr.deleted) != 1 || mgr.deleted[0] != "missing" {
		t.Fatalf("expected delete attempted even on fetch failure, got %v", mgr.deleted)
	}
}

func TestInjector_DeleteFailureDoesNotMaskFetchedBytes(t *testing.T) {
	mgr := &fakeManager{data: map[string][]byte{"b1": []byte("hello")}, deleteErr: errors.New("store unavailable")}
	inj := New(mgr)

	data, err := inj.DownloadAndDelete(context.Background(), "b1")
	if err != nil {
		t.Fatalf("expected delete failure to be best-effort, got %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("expected hello, got %q", data)
	}
}
