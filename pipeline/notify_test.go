package pipeline

import (
	"bufio"
	"net"
	"strings"
	"testing"
	"time"
)

func TestSyslogNotifier_SendsRFC5424Line(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	lines := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		lines <- line
	}()

	stats := &RunStats{Planned: 3, Succeeded: 2, Failed: 1}
	n := NewSyslogNotifier(ln.Addr().String())
	sd := RunReportData("run-1", "themis", stats)
	if err := n.NotifyRunReport("dbprocessor", sd, "processing run finished", 2*time.Second); err != nil {
		t.Fatal(err)
	}

	select {
	case line := <-lines:
		if !strings.HasPrefix(line, "<134>1 ") {
			t.Errorf("bad priority/version prefix: %q", line)
		}
		for _, want := range []string{"dbprocessor", `mission="themis"`, `ok="2"`, `fail="1"`, "processing run finished"} {
			if !strings.Contains(line, want) {
				t.Errorf("line missing %q: %q", want, line)
			}
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no syslog line received")
	}
}

func TestSyslogNotifier_UnreachableIsAnError(t *testing.T) {
	n := NewSyslogNotifier("127.0.0.1:1")
	if err := n.NotifyRunReport("dbprocessor", "-", "msg", 500*time.Millisecond); err == nil {
		t.Fatal("expected a dial error")
	}
}

func TestRunReportData_SanitizesTokens(t *testing.T) {
	sd := RunReportData("run 1", "two words", &RunStats{})
	if strings.Contains(sd, "run 1") || strings.Contains(sd, "two words") {
		t.Errorf("spaces must be sanitized: %q", sd)
	}
	if !strings.Contains(sd, `id="run_1"`) {
		t.Errorf("sd = %q", sd)
	}
}
