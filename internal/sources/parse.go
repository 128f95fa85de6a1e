package sources

import (
	"net/netip"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"afo/internal/types"
)

// sshd auth log forms:
//   Failed password for root from 203.0.113.7 port 52814 ssh2
//   Failed password for invalid user admin from 203.0.113.7 port 52814 ssh2
//   Invalid user oracle from 203.0.113.7 port 43022
var (
	reSSHFailed  = regexp.MustCompile(`Failed (?:password|publickey|keyboard-interactive.*?) for (?:invalid user )?(\S+) from (\S+) port (\d+)`)
	reSSHInvalid = regexp.MustCompile(`Invalid user (\S+) from (\S+)`)
)

// ParseSSHAuth lifts sshd authentication failures into auth-fail events.
// Target carries the attacked service port so response rules can narrow
// to it; the username stays in Raw.
func ParseSSHAuth(line string, now time.Time) (types.SecurityEvent, bool) {
	var ipText string
	if m := reSSHFailed.FindStringSubmatch(line); m != nil {
		ipText = m[2]
	} else if m := reSSHInvalid.FindStringSubmatch(line); m != nil {
		ipText = m[2]
	} else {
		return types.SecurityEvent{}, false
	}
	ev := types.SecurityEvent{
		ID:         uuid.NewString(),
		Kind:       types.EventAuthFail,
		Severity:   types.SeverityMedium,
		Target:     "ssh:22",
		ObservedAt: now,
		Raw:        line,
	}
	if addr, err := netip.ParseAddr(ipText); err == nil {
		ev.SourceIP = addr
	}
	return ev, true
}

// netfilter log lines as written by the kernel logger:
//   ... afo-drop: IN=eth0 OUT= SRC=203.0.113.7 DST=198.51.100.2 ... PROTO=TCP SPT=54321 DPT=22 ...
var (
	reNFSrc   = regexp.MustCompile(`\bSRC=(\S+)`)
	reNFDst   = regexp.MustCompile(`\bDST=(\S+)`)
	reNFProto = regexp.MustCompile(`\bPROTO=(\S+)`)
	reNFDpt   = regexp.MustCompile(`\bDPT=(\d+)`)
)

// ParseNetfilterLog lifts kernel firewall log lines into firewall-log
// events. Lines without a SRC field are not firewall logs.
func ParseNetfilterLog(line string, now time.Time) (types.SecurityEvent, bool) {
	src := reNFSrc.FindStringSubmatch(line)
	if src == nil {
		return types.SecurityEvent{}, false
	}
	ev := types.SecurityEvent{
		ID:         uuid.NewString(),
		Kind:       types.EventFirewallLog,
		Severity:   types.SeverityLow,
		ObservedAt: now,
		Raw:        line,
	}
	if addr, err := netip.ParseAddr(src[1]); err == nil {
		ev.SourceIP = addr
	}
	var target strings.Builder
	if m := reNFProto.FindStringSubmatch(line); m != nil {
		target.WriteString(strings.ToLower(m[1]))
	}
	if m := reNFDpt.FindStringSubmatch(line); m != nil {
		if target.Len() > 0 {
			target.WriteByte(':')
		}
		target.WriteString(m[1])
		// A hit on a logged deny rule against a specific port reads as a
		// scan touch; severity stays low, the correlator counts distinct
		// ports to decide.
		ev.Kind = types.EventPortScanHit
	}
	if m := reNFDst.FindStringSubmatch(line); m != nil && target.Len() == 0 {
		target.WriteString(m[1])
	}
	ev.Target = target.String()
	return ev, true
}
