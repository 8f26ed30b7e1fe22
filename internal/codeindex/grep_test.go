package codeindex

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	full := filepath.Join(dir, rel)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", rel, err)
	}
}

func TestGrepIndex_SearchRanksByMatchCount(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "billing/invoice.go", "package billing\n\nfunc ChargeCustomer() {}\nfunc Charge() {}\n")
	writeFile(t, dir, "billing/refund.go", "package billing\n\nfunc Refund() {}\n")
	writeFile(t, dir, "vendor/ignored/ignored.go", "package ignored\n\nfunc Charge() {}\nfunc Charge2() {}\nfunc Charge3() {}\n")

	idx := NewGrepIndex()
	hits, err := idx.Search(context.Background(), dir, "charge", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 1 {
		t.Fatalf("expected 1 hit excluding vendor/, got %d: %+v", len(hits), hits)
	}
	if hits[0].Path != "billing/invoice.go" {
		t.Fatalf("expected invoice.go hit, got %q", hits[0].Path)
	}
	if hits[0].Score != 2 {
		t.Fatalf("expected score 2 for two matching lines, got %v", hits[0].Score)
	}
}

func TestGrepIndex_SearchRespectsLimit(t *testing.T) {
	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		writeFile(t, dir, filepath.Join("pkg", string(rune('a'+i))+".go"), "package pkg\n\nfunc Widget() {}\n")
	}

	idx := NewGrepIndex()
	hits, err := idx.Search(context.Background(), dir, "widget", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected limit of 2 hits, got %d", len(hits))
	}
}

func TestGrepIndex_SearchNoMatchesReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "main.go", "package main\n\nfunc main() {}\n")

	idx := NewGrepIndex()
	hits, err := idx.Search(context.Background(), dir, "nonexistentterm", 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 0 {
		t.Fatalf("expected no hits, got %d", len(hits))
	}
}

func TestGrepIndex_SearchRejectsEmptyQuery(t *testing.T) {
	idx := NewGrepIndex()
	if _, err := idx.Search(context.Background(), t.TempDir(), "", 10); err == nil {
		t.Fatalf("expected error for empty query")
	}
}
