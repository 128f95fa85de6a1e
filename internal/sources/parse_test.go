package sources

import (
	"testing"
	"time"

	"afo/internal/types"
)

func TestParseSSHAuth(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name   string
		line   string
		wantOK bool
		wantIP string
	}{
		{
			name:   "failed password",
			line:   "Jul 14 03:12:01 host sshd[812]: Failed password for root from 203.0.113.7 port 52814 ssh2",
			wantOK: true,
			wantIP: "203.0.113.7",
		},
		{
			name:   "failed password invalid user",
			line:   "Failed password for invalid user admin from 203.0.113.9 port 41022 ssh2",
			wantOK: true,
			wantIP: "203.0.113.9",
		},
		{
			name:   "invalid user guess",
			line:   "Invalid user oracle from 198.51.100.4 port 43022",
			wantOK: true,
			wantIP: "198.51.100.4",
		},
		{
			name:   "ipv6 source",
			line:   "Failed password for root from 2001:db8::9 port 2222 ssh2",
			wantOK: true,
			wantIP: "2001:db8::9",
		},
		{
			name:   "accepted login ignored",
			line:   "Accepted password for deploy from 10.0.0.5 port 50000 ssh2",
			wantOK: false,
		},
		{
			name:   "unrelated line",
			line:   "Server listening on 0.0.0.0 port 22.",
			wantOK: false,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok := ParseSSHAuth(tt.line, now)
			if ok != tt.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if ev.Kind != types.EventAuthFail {
				t.Errorf("kind = %s", ev.Kind)
			}
			if ev.SourceIP.String() != tt.wantIP {
				t.Errorf("ip = %s, want %s", ev.SourceIP, tt.wantIP)
			}
			if ev.Target != "ssh:22" {
				t.Errorf("target = %s, want ssh:22", ev.Target)
			}
			if ev.Raw != tt.line {
				t.Errorf("raw line not preserved")
			}
		})
	}
}

func TestParseNetfilterLog(t *testing.T) {
	now := time.Now()
	line := "kernel: afo-drop: IN=eth0 OUT= MAC=00:11 SRC=203.0.113.7 DST=198.51.100.2 LEN=60 PROTO=TCP SPT=54321 DPT=22 SYN"
	ev, ok := ParseNetfilterLog(line, now)
	if !ok {
		t.Fatal("firewall log line not parsed")
	}
	if ev.Kind != types.EventPortScanHit {
		t.Errorf("kind = %s, want port-scan-hit for port-specific hit", ev.Kind)
	}
	if ev.SourceIP.String() != "203.0.113.7" {
		t.Errorf("ip = %s", ev.SourceIP)
	}
	if ev.Target != "tcp:22" {
		t.Errorf("target = %s", ev.Target)
	}

	if _, ok := ParseNetfilterLog("systemd[1]: Started session", now); ok {
		t.Error("non-firewall line parsed")
	}
}

func TestParseIndicators(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []string
	}{
		{
			name: "plain text with comments",
			body: "# bad hosts\n203.0.113.7\n\n198.51.100.0/24\n",
			want: []string{"203.0.113.7", "198.51.100.0/24"},
		},
		{
			name: "csv first column",
			body: "203.0.113.7,ssh-bruteforce,2026-08-01\n203.0.113.8,scanner,2026-08-02",
			want: []string{"203.0.113.7", "203.0.113.8"},
		},
		{
			name: "json string array",
			body: `["203.0.113.7", "203.0.113.8"]`,
			want: []string{"203.0.113.7", "203.0.113.8"},
		},
		{
			name: "json object array",
			body: `[{"ip": "203.0.113.7", "category": "scan"}]`,
			want: []string{"203.0.113.7"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseIndicators(tt.body)
			if len(got) != len(tt.want) {
				t.Fatalf("got %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("indicator %d = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}
