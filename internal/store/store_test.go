package store

import (
	"path/filepath"
	"testing"
	"time"
)

func TestPutThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "targets.json"))

	target := Target{
		HostID:      "abc123",
		Platform:    "linux",
		LastAddress: "10.0.0.5",
		LastPort:    4444,
		LastSeen:    time.Now(),
	}
	if err := s.Put(target); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get("abc123")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("Get(abc123) ok = false, want true")
	}
	if got.LastAddress != "10.0.0.5" || got.LastPort != 4444 {
		t.Errorf("Get returned %+v, want address/port to round-trip", got)
	}
}

func TestGetUnknownHostID(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "targets.json"))

	_, ok, err := s.Get("does-not-exist")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get(does-not-exist) ok = true, want false")
	}
}

func TestPutMergesFactsAndDoesNotDropExisting(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "targets.json"))

	if err := s.Put(Target{
		HostID: "host1",
		Facts:  map[string]string{"system.identity": "linux box"},
	}); err != nil {
		t.Fatalf("first Put: %v", err)
	}

	if err := s.Put(Target{
		HostID: "host1",
		Facts:  map[string]string{"system.user": "root"},
	}); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, ok, err := s.Get("host1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Facts["system.identity"] != "linux box" {
		t.Errorf("first Put's fact was dropped: %+v", got.Facts)
	}
	if got.Facts["system.user"] != "root" {
		t.Errorf("second Put's fact missing: %+v", got.Facts)
	}
}

func TestPutMergesCredentialsWithoutDuplicates(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "targets.json"))

	cred := Credential{User: "root", Password: "hunter2", Source: "escalate.auto"}
	if err := s.Put(Target{HostID: "host1", Credentials: []Credential{cred}}); err != nil {
		t.Fatalf("first Put: %v", err)
	}
	if err := s.Put(Target{HostID: "host1", Credentials: []Credential{cred}}); err != nil {
		t.Fatalf("second Put: %v", err)
	}

	got, _, err := s.Get("host1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(got.Credentials) != 1 {
		t.Fatalf("Credentials = %+v, want exactly one deduplicated entry", got.Credentials)
	}
}

func TestListReturnsEveryTarget(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "targets.json"))

	s.Put(Target{HostID: "a"})
	s.Put(Target{HostID: "b"})

	targets, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(targets) != 2 {
		t.Fatalf("List() = %d targets, want 2", len(targets))
	}
}

func TestListOnMissingFileReturnsEmpty(t *testing.T) {
	dir := t.TempDir()
	s := Open(filepath.Join(dir, "does-not-exist.json"))

	targets, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(targets) != 0 {
		t.Fatalf("List() on missing file = %d targets, want 0", len(targets))
	}
}
