package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{
		Name:      "house",
		Host:      "192.168.1.40",
		UniqueID:  "001ec0aabbcc",
		MAC:       "00:1e:c0:aa:bb:cc",
		Model:     "chatterbox",
		Version:   "1.2",
		Zones:     []Zone{{Name: "Lounge", Index: 0}, {Name: "Bed1", Index: 2}},
		Online:    true,
		FirstSeen: time.Now().Truncate(time.Millisecond),
		LastSeen:  time.Now().Truncate(time.Millisecond),
	}

	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("house")
	if err != nil {
		t.Fatal(err)
	}

	if got.Host != dev.Host {
		t.Errorf("host = %q, want %q", got.Host, dev.Host)
	}
	if got.UniqueID != dev.UniqueID {
		t.Errorf("unique_id = %q, want %q", got.UniqueID, dev.UniqueID)
	}
	if got.Model != dev.Model || got.Version != dev.Version {
		t.Errorf("model/version = %q/%q", got.Model, got.Version)
	}
	if !got.Online {
		t.Error("online = false, want true")
	}
	if len(got.Zones) != 2 {
		t.Fatalf("zones = %d, want 2", len(got.Zones))
	}
	if got.Zones[1].Name != "Bed1" || got.Zones[1].Index != 2 {
		t.Errorf("zone[1] = %+v", got.Zones[1])
	}
	if !got.LastSeen.Equal(dev.LastSeen) {
		t.Errorf("last_seen = %v, want %v", got.LastSeen, dev.LastSeen)
	}
}

func TestSaveDeviceRequiresName(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Host: "x"}); err == nil {
		t.Fatal("expected error for empty name")
	}
}

func TestDeleteDevice(t *testing.T) {
	s := newTestStore(t)

	dev := &Device{Name: "house", Host: "10.0.0.5"}
	if err := s.SaveDevice(dev); err != nil {
		t.Fatal(err)
	}

	if err := s.DeleteDevice(dev.Name); err != nil {
		t.Fatal(err)
	}

	_, err := s.GetDevice(dev.Name)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListDevices(t *testing.T) {
	s := newTestStore(t)

	for _, name := range []string{"upstairs", "garage", "house"} {
		if err := s.SaveDevice(&Device{Name: name, Host: name + ".lan"}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListDevices()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	want := []string{"garage", "house", "upstairs"}
	for i, d := range list {
		if d.Name != want[i] {
			t.Errorf("list[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

func TestGetDeviceNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetDevice("nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDevice(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Name: "house", Host: "10.0.0.5", Online: true}); err != nil {
		t.Fatal(err)
	}

	err := s.UpdateDevice("house", func(d *Device) error {
		d.Online = false
		d.LastError = "connection refused"
		d.Name = "renamed"
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.GetDevice("house")
	if err != nil {
		t.Fatal(err)
	}
	if got.Online || got.LastError != "connection refused" {
		t.Errorf("got %+v", got)
	}
	if _, err := s.GetDevice("renamed"); !errors.Is(err, ErrNotFound) {
		t.Errorf("renamed record exists: err = %v", err)
	}
}

func TestUpdateDeviceNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateDevice("ghost", func(*Device) error { return nil })
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateDeviceCallbackErrorAborts(t *testing.T) {
	s := newTestStore(t)
	if err := s.SaveDevice(&Device{Name: "house", Host: "a"}); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	err := s.UpdateDevice("house", func(d *Device) error {
		d.Host = "b"
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	got, _ := s.GetDevice("house")
	if got.Host != "a" {
		t.Errorf("host = %q, want unchanged", got.Host)
	}
}

func TestReopenKeepsDevices(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveDevice(&Device{Name: "house", Host: "10.0.0.5"}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	if _, err := s.GetDevice("house"); err != nil {
		t.Fatal(err)
	}
}
