package pipeline

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"strings"
	"time"
)

// RunNotifier reports run outcomes to an operations channel.
type RunNotifier interface {
	NotifyRunReport(appName string, structuredData string, message string, timeout time.Duration) error
}

// SyslogNotifier ships RFC 5424 run reports over TCP. Notification is best
// effort: callers log a failed send and move on, a run never fails because
// the report did not.
type SyslogNotifier struct {
	addr string
}

func NewSyslogNotifier(addr string) *SyslogNotifier {
	return &SyslogNotifier{addr: addr}
}

func (c *SyslogNotifier) NotifyRunReport(appName string, structuredData string, message string, timeout time.Duration) error {
	var conn net.Conn
	var err error
	if timeout > 0 {
		conn, err = net.DialTimeout("tcp", c.addr, timeout)
	} else {
		conn, err = net.Dial("tcp", c.addr)
	}
	if err != nil {
		return err
	}
	defer conn.Close()
	if timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}

	host, _ := os.Hostname()
	if host == "" {
		host = "-"
	}

	pri := 134 // local0.info
	ts := time.Now().UTC().Format(time.RFC3339Nano)
	if appName == "" {
		appName = "dbprocessor"
	}

	line := fmt.Sprintf("<%d>1 %s %s %s - - %s %s\n", pri, ts,
		sanitizeSyslogToken(host), sanitizeSyslogToken(appName),
		structuredData, strings.TrimSpace(message))

	w := bufio.NewWriter(conn)
	if _, err := w.WriteString(line); err != nil {
		return err
	}
	return w.Flush()
}

// RunReportData renders the structured-data element for a processing run.
func RunReportData(runID string, mission string, stats *RunStats) string {
	return fmt.Sprintf(`[run@32473 id="%s" mission="%s" planned="%d" ok="%d" fail="%d" timeout="%d" skip="%d"]`,
		sanitizeSyslogToken(runID), sanitizeSyslogToken(mission),
		stats.Planned, stats.Succeeded, stats.Failed, stats.TimedOut, stats.Skipped)
}

func sanitizeSyslogToken(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "-"
	}
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
