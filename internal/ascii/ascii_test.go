package ascii

import "testing"

func TestParseLineBasic(t *testing.T) {
	cmd, err := ParseLine("get foo bar")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if cmd.Verb != "get" {
		t.Errorf("Verb = %q, want get", cmd.Verb)
	}
	if got := cmd.Keys(); len(got) != 2 || got[0] != "foo" || got[1] != "bar" {
		t.Errorf("Keys() = %v, want [foo bar]", got)
	}
	if cmd.NoReply {
		t.Error("NoReply should be false")
	}
}

func TestParseLineNoReply(t *testing.T) {
	cmd, err := ParseLine("delete foo noreply")
	if err != nil {
		t.Fatalf("ParseLine: %v", err)
	}
	if !cmd.NoReply {
		t.Error("expected NoReply true")
	}
	if cmd.Key() != "foo" {
		t.Errorf("Key() = %q, want foo", cmd.Key())
	}
	if len(cmd.Tokens) != 2 {
		t.Errorf("Tokens = %v, want noreply stripped", cmd.Tokens)
	}
}

func TestParseLineEmpty(t *testing.T) {
	if _, err := ParseLine("   "); err != ErrEmptyCommand {
		t.Fatalf("err = %v, want ErrEmptyCommand", err)
	}
}

func TestScanCapsAtMaxTokens(t *testing.T) {
	tokens := Scan("get a b c d e f g h i j k")
	if len(tokens) != MaxTokens {
		t.Fatalf("len(tokens) = %d, want %d", len(tokens), MaxTokens)
	}
}

func TestIsGetIsStorageIsBroadcast(t *testing.T) {
	get, _ := ParseLine("gets a b")
	if !get.IsGet() {
		t.Error("gets should be IsGet")
	}
	set, _ := ParseLine("set a 0 0 3")
	if !set.IsStorage() {
		t.Error("set should be IsStorage")
	}
	flush, _ := ParseLine("flush_all")
	if !flush.IsBroadcast() {
		t.Error("flush_all should be IsBroadcast")
	}
}

func TestParseStorageHeader(t *testing.T) {
	h, err := ParseStorageHeader("set foo 5 100 3\r\n")
	if err != nil {
		t.Fatalf("ParseStorageHeader: %v", err)
	}
	if h.Key != "foo" || h.Flags != 5 || h.Exptime != 100 || h.Bytes != 3 {
		t.Errorf("got %+v", h)
	}
}

func TestParseStorageHeaderCASRequired(t *testing.T) {
	if _, err := ParseStorageHeader("cas foo 0 0 3"); err != ErrMalformedStorageHeader {
		t.Fatalf("err = %v, want ErrMalformedStorageHeader (missing cas value)", err)
	}

	h, err := ParseStorageHeader("cas foo 0 0 3 8")
	if err != nil {
		t.Fatalf("ParseStorageHeader: %v", err)
	}
	if h.CAS != 8 {
		t.Errorf("CAS = %d, want 8", h.CAS)
	}
}

func TestParseStorageHeaderMalformed(t *testing.T) {
	cases := []string{"set foo", "set foo x 0 3", "set foo 0 x 3", "set foo 0 0 x"}
	for _, line := range cases {
		if _, err := ParseStorageHeader(line); err != ErrMalformedStorageHeader {
			t.Errorf("ParseStorageHeader(%q) err = %v, want ErrMalformedStorageHeader", line, err)
		}
	}
}

func TestFlushExpirationDefaultsToZero(t *testing.T) {
	cmd, _ := ParseLine("flush_all")
	if FlushExpiration(cmd) != 0 {
		t.Error("expected 0 expiration for bare flush_all")
	}
	cmd, _ = ParseLine("flush_all 30")
	if FlushExpiration(cmd) != 30 {
		t.Errorf("FlushExpiration = %d, want 30", FlushExpiration(cmd))
	}
}

func TestIsStatsReset(t *testing.T) {
	cmd, _ := ParseLine("stats reset")
	if !IsStatsReset(cmd) {
		t.Error("expected IsStatsReset true")
	}
	cmd, _ = ParseLine("stats")
	if IsStatsReset(cmd) {
		t.Error("expected IsStatsReset false for bare stats")
	}
}
