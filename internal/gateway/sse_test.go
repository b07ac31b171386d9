package gateway

import (
	"bufio"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"unicode/utf8"
)

// Heartbeats tick on their own goroutine while chunks stream from the
// model, so frames from concurrent writers must never interleave.
func TestSSEStreamConcurrentWritersKeepFramesIntact(t *testing.T) {
	rec := httptest.NewRecorder()
	stream, ok := newSSEStream(rec)
	if !ok {
		t.Fatal("recorder rejected as stream")
	}

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				stream.chunk(strings.Repeat("payload ", 8))
				stream.heartbeat()
			}
		}()
	}
	wg.Wait()

	frames := 0
	sc := bufio.NewScanner(rec.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 64*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "data: ") {
			t.Fatalf("malformed frame: %q", line)
		}
		var frame map[string]string
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
			t.Fatalf("frame is not valid JSON: %q", line)
		}
		if frame["type"] != "chunk" && frame["type"] != "heartbeat" {
			t.Fatalf("unexpected frame type: %q", frame["type"])
		}
		frames++
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if frames != 4*50*2 {
		t.Errorf("frames: %d, want %d", frames, 4*50*2)
	}
}

func TestPreviewCutsOnRuneBoundary(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-ten", 11, "exactly-ten"},
		{"hello world", 5, "hello…"},
		// The cut lands inside the two-byte é and must back up.
		{"héllo", 2, "h…"},
		{"日本語のテキスト", 4, "日…"},
	}
	for _, tc := range cases {
		got := preview(tc.in, tc.n)
		if got != tc.want {
			t.Errorf("preview(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("preview(%q, %d) produced invalid UTF-8: %q", tc.in, tc.n, got)
		}
	}
}
