package canon

import (
	"errors"
	"strings"
	"testing"
)

func mustCanon(t *testing.T, text string) string {
	t.Helper()
	got, err := Canonicalize(text, V1)
	if err != nil {
		t.Fatalf("Canonicalize(%q): %v", text, err)
	}
	return got
}

func TestUnsupportedVersion(t *testing.T) {
	_, err := Canonicalize("hello", Version("v99"))
	if err == nil {
		t.Fatal("expected error for unknown version")
	}
	var uv *UnsupportedVersionError
	if !errors.As(err, &uv) {
		t.Fatalf("error type = %T, want *UnsupportedVersionError", err)
	}
	if uv.Version != "v99" {
		t.Errorf("error carries version %q, want v99", uv.Version)
	}
}

func TestCanonicalizeSamples(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"firewall block",
			"[UFW BLOCK] IN=eth0 OUT= MAC=52:54:00:12:34:56:08:00:27:ab:cd:ef:08:00 SRC=192.168.1.50 DST=10.0.0.1 LEN=60 TTL=64 ID=54321 SPT=51234 DPT=443",
			"[UFW BLOCK] IN=eth0 OUT= MAC=<MAC> SRC=<IPV4> DST=<IPV4> LEN=<N> TTL=<N> ID=<N> SPT=<PORT> DPT=<PORT>",
		},
		{
			"structured logger",
			`level=info ts=2026-08-01T12:00:00.123Z caller=push.go:217 msg="batch sent" duration=12.5ms`,
			`level=info ts=<TS> caller=push.go:<LINE> msg="batch sent" duration=<DUR>`,
		},
		{
			"batch announcement",
			"[BATCH] Sending 250 events",
			"[BATCH] Sending <N> events",
		},
		{
			"auth session",
			"pam_unix(sshd:session): session opened for user deploy(uid=1000)",
			"pam_unix(sshd:session): session opened for user <USER>",
		},
		{
			"cron command",
			"(root) CMD (/usr/local/bin/backup.sh --full)",
			"(<USER>) CMD (<CMD>)",
		},
		{
			"request log",
			"[GIN] 2026/08/01 - 12:00:03 | 200 | 1.234ms | 10.0.0.5 | GET /api/v1/logs",
			"[GIN] <TS> | 200 | <DUR> | <IPV4> | GET /api/v1/logs",
		},
		{
			"leading timestamp",
			"2026-08-01T12:00:00.123456Z starting worker pool",
			"<TS> starting worker pool",
		},
		{
			"pid wrapper",
			"systemd[1234]: Started nginx.service",
			"systemd[<PID>]: Started nginx.service",
		},
		{
			"uuid and hex",
			"request 550e8400-e29b-41d4-a716-446655440000 token deadbeefdeadbeefdeadbeef",
			"request <UUID> token <HEX>",
		},
		{
			"ipv6",
			"connect from 2001:0db8:85a3:0000:0000:8a2e:0370:7334 refused",
			"connect from <IPV6> refused",
		},
		{
			"pid field and large number",
			"worker pid=4821 processed 123456 rows",
			"worker pid=<PID> processed <N> rows",
		},
		{
			"small integers preserved",
			"retry 3 of 5 after 2 failures",
			"retry 3 of 5 after 2 failures",
		},
		{
			"whitespace collapsed",
			"  spaced   out    message  ",
			"spaced out message",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mustCanon(t, tc.in); got != tc.want {
				t.Errorf("got  %q\nwant %q", got, tc.want)
			}
		})
	}
}

// Structured rules must see their fields before the generic catch-alls do.
// A generic-first ordering would turn SPT=59123 into SPT=<N> instead of
// SPT=<PORT>.
func TestStructuredBeforeGeneric(t *testing.T) {
	got := mustCanon(t, "SRC=10.1.2.3 SPT=59123 DPT=65001")
	want := "SRC=<IPV4> SPT=<PORT> DPT=<PORT>"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestCollapsesVariants(t *testing.T) {
	variants := []string{
		"2026-08-01T12:00:00Z request from 10.0.0.1 took 12ms",
		"2026-08-02T09:30:45Z request from 192.168.7.9 took 450ms",
		"2026-08-03T23:59:59Z request from 172.16.0.200 took 3ms",
	}
	first := mustCanon(t, variants[0])
	for _, v := range variants[1:] {
		if got := mustCanon(t, v); got != first {
			t.Errorf("variant %q canonicalized to %q, want %q", v, got, first)
		}
	}
}

func TestIdempotent(t *testing.T) {
	inputs := []string{
		"[UFW BLOCK] SRC=1.2.3.4 DST=5.6.7.8 SPT=1024 DPT=80",
		"2026-08-01 12:00:00 session opened for user alice by uid=0",
		"request 550e8400-e29b-41d4-a716-446655440000 completed in 1.5s",
		"plain message with no entropy",
		"",
	}
	for _, in := range inputs {
		once := mustCanon(t, in)
		twice := mustCanon(t, once)
		if once != twice {
			t.Errorf("not idempotent for %q:\nonce  %q\ntwice %q", in, once, twice)
		}
	}
}

func TestHash(t *testing.T) {
	h := Hash("request from <IPV4> took <DUR>", "nginx", "INFO")
	if len(h) != 32 {
		t.Fatalf("hash length = %d, want 32", len(h))
	}
	if h != strings.ToLower(h) {
		t.Error("hash must be lowercase hex")
	}

	if Hash("same text", "nginx", "INFO") == Hash("same text", "postgres", "INFO") {
		t.Error("hash must depend on service")
	}
	if Hash("same text", "nginx", "INFO") == Hash("same text", "nginx", "ERROR") {
		t.Error("hash must depend on level")
	}
	if Hash("same text", "nginx", "INFO") != Hash("same text", "nginx", "INFO") {
		t.Error("hash must be deterministic")
	}
}

func TestKey(t *testing.T) {
	canonical, hash, err := Key("request from 10.0.0.1 took 12ms", "nginx", "INFO", V1)
	if err != nil {
		t.Fatal(err)
	}
	want := "request from <IPV4> took <DUR>"
	if canonical != want {
		t.Errorf("canonical = %q, want %q", canonical, want)
	}
	if hash != Hash(want, "nginx", "INFO") {
		t.Error("Key hash must match Hash over the canonical text")
	}

	if _, _, err := Key("x", "svc", "INFO", Version("v0")); err == nil {
		t.Error("expected error for unknown version")
	}
}
