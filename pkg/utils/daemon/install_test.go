package daemon

import (
	"strings"
	"testing"
)

func TestUnitFile(t *testing.T) {
	unit := UnitFile("/usr/local/bin/vnacal", "/etc/vnacal.json", "/var/run/vnacal.sock")

	want := "ExecStart=/usr/local/bin/vnacal daemon --config /etc/vnacal.json --daemon-socket /var/run/vnacal.sock\n"
	if !strings.Contains(unit, want) {
		t.Fatalf("unit has no %q:\n%s", want, unit)
	}
	if strings.Contains(unit, "/path/to/") {
		t.Fatalf("unit has unreplaced placeholders:\n%s", unit)
	}
	if !strings.Contains(unit, "ExecReload=/bin/kill -HUP $MAINPID") {
		t.Fatalf("unit does not reload on SIGHUP:\n%s", unit)
	}
}
