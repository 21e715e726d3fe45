package access

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// TimeWindow restricts an action to a daily HH:MM range on selected
// weekdays. An empty Days list means every day. End before Start wraps past
// midnight.
type TimeWindow struct {
	Start    string   `json:"start" yaml:"start" toml:"start"`
	End      string   `json:"end" yaml:"end" toml:"end"`
	Days     []string `json:"days,omitempty" yaml:"days,omitempty" toml:"days"`
	Location string   `json:"location,omitempty" yaml:"location,omitempty" toml:"location"`
}

// Contains reports whether t falls inside the window.
func (w TimeWindow) Contains(t time.Time) (bool, error) {
	if w.Location != "" {
		loc, err := time.LoadLocation(w.Location)
		if err != nil {
			return false, fmt.Errorf("time window location: %w", err)
		}
		t = t.In(loc)
	}
	if len(w.Days) > 0 && !containsDay(w.Days, t.Weekday()) {
		return false, nil
	}
	if w.Start == "" && w.End == "" {
		return true, nil
	}
	start, err := parseClock(w.Start, "00:00")
	if err != nil {
		return false, err
	}
	end, err := parseClock(w.End, "23:59")
	if err != nil {
		return false, err
	}
	now := t.Hour()*60 + t.Minute()
	if start <= end {
		return now >= start && now <= end, nil
	}
	return now >= start || now <= end, nil
}

func (w TimeWindow) String() string {
	return fmt.Sprintf("time_between(%s,%s,%s)", w.Start, w.End, strings.Join(w.Days, "|"))
}

func parseClock(s, fallback string) (int, error) {
	if s == "" {
		s = fallback
	}
	c, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return c.Hour()*60 + c.Minute(), nil
}

func containsDay(days []string, wd time.Weekday) bool {
	name := strings.ToLower(wd.String())
	for _, d := range days {
		d = strings.ToLower(strings.TrimSpace(d))
		if d == name || (len(d) == 3 && strings.HasPrefix(name, d)) {
			return true
		}
	}
	return false
}

// IPRule is a block list checked before an allow list. Entries are single
// addresses or CIDR ranges. An empty allow list allows everything not
// blocked.
type IPRule struct {
	Allow []string `json:"allow,omitempty" yaml:"allow,omitempty" toml:"allow"`
	Block []string `json:"block,omitempty" yaml:"block,omitempty" toml:"block"`
}

// Empty reports whether the rule restricts nothing.
func (r *IPRule) Empty() bool {
	return r == nil || (len(r.Allow) == 0 && len(r.Block) == 0)
}

// Check returns the deny reason for ip, or ReasonNone. A request without an
// address cannot satisfy an allow list.
func (r *IPRule) Check(ip net.IP) (DenyReason, error) {
	if r.Empty() {
		return ReasonNone, nil
	}
	if ip != nil {
		blocked, err := ipInAny(ip, r.Block)
		if err != nil {
			return ReasonNone, err
		}
		if blocked {
			return ReasonIPBlocked, nil
		}
	}
	if len(r.Allow) == 0 {
		return ReasonNone, nil
	}
	if ip == nil {
		return ReasonIPNotAllowed, nil
	}
	allowed, err := ipInAny(ip, r.Allow)
	if err != nil {
		return ReasonNone, err
	}
	if !allowed {
		return ReasonIPNotAllowed, nil
	}
	return ReasonNone, nil
}

// Validate parses every entry once.
func (r *IPRule) Validate() error {
	if r == nil {
		return nil
	}
	for _, entry := range append(append([]string(nil), r.Allow...), r.Block...) {
		if _, err := parseIPEntry(entry); err != nil {
			return err
		}
	}
	return nil
}

func ipInAny(ip net.IP, entries []string) (bool, error) {
	for _, entry := range entries {
		n, err := parseIPEntry(entry)
		if err != nil {
			return false, err
		}
		if n.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}

func parseIPEntry(entry string) (*net.IPNet, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, fmt.Errorf("invalid cidr %q: %w", entry, err)
		}
		return n, nil
	}
	ip := net.ParseIP(entry)
	if ip == nil {
		return nil, fmt.Errorf("invalid ip %q", entry)
	}
	bits := 128
	if v4 := ip.To4(); v4 != nil {
		ip = v4
		bits = 32
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}, nil
}
