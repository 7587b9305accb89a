package serverset

import "testing"

func TestParse(t *testing.T) {
	servers, err := Parse("10.0.0.1:11211, 10.0.0.2, 10.0.0.3:11212")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := []Server{{Addr: "10.0.0.1:11211"}, {Addr: "10.0.0.2:11211"}, {Addr: "10.0.0.3:11212"}}
	if len(servers) != len(want) {
		t.Fatalf("len = %d, want %d", len(servers), len(want))
	}
	for i := range want {
		if servers[i] != want[i] {
			t.Errorf("servers[%d] = %+v, want %+v", i, servers[i], want[i])
		}
	}
}

func TestParseEmpty(t *testing.T) {
	if _, err := Parse("  , ,"); err != ErrEmptyConfig {
		t.Fatalf("err = %v, want ErrEmptyConfig", err)
	}
}

func TestNewAndHash(t *testing.T) {
	ss, err := New("10.0.0.1:11211,10.0.0.2:11211,10.0.0.3:11211", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if ss.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", ss.Len())
	}

	idx := ss.Hash("some-key")
	if idx < 0 || idx >= ss.Len() {
		t.Fatalf("Hash out of range: %d", idx)
	}
	if got := ss.Hash("some-key"); got != idx {
		t.Errorf("Hash should be deterministic: got %d, want %d", got, idx)
	}
}

func TestHashSingleServerAlwaysZero(t *testing.T) {
	ss, err := New("10.0.0.1:11211", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for _, key := range []string{"a", "b", "c"} {
		if ss.Hash(key) != 0 {
			t.Errorf("Hash(%q) with a single server should be 0", key)
		}
	}
}

func TestAll(t *testing.T) {
	ss, err := New("10.0.0.1:11211,10.0.0.2:11211", nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if len(ss.All()) != 2 {
		t.Errorf("All() len = %d, want 2", len(ss.All()))
	}
}
