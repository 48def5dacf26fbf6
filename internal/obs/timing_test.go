package obs

import (
	"bytes"
	"errors"
	"log"
	"strings"
	"testing"
)

func TestTimeLogsRequestIDAndError(t *testing.T) {
	var buf bytes.Buffer
	prev := log.Writer()
	log.SetOutput(&buf)
	defer log.SetOutput(prev)

	ctx := WithRequestID(t.Context(), "abc")
	err := errors.New("boom")
	Time(ctx, "planner.run")(&err)
	out := buf.String()
	if !strings.Contains(out, "req_id=abc") || !strings.Contains(out, "op=planner.run") || !strings.Contains(out, "err=boom") {
		t.Fatalf("unexpected log line: %q", out)
	}

	buf.Reset()
	var ok error
	Time(ctx, "store.snapshot")(&ok)
	if strings.Contains(buf.String(), "err=") {
		t.Fatalf("success should not log err: %q", buf.String())
	}
}
