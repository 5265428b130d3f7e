package blob

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"
)

func TestFSPutAndSign(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "fs", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	data := []byte("a,b\n1,2\n")
	if err := st.Put(context.Background(), "u1/results/job-1.csv", data, "text/csv"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	u, err := st.SignedURL(context.Background(), "u1/results/job-1.csv", time.Hour)
	if err != nil {
		t.Fatalf("SignedURL: %v", err)
	}
	if !strings.HasPrefix(u, "file://") {
		t.Fatalf("url = %q, want file:// scheme", u)
	}
	if !strings.Contains(u, "expires=") {
		t.Fatalf("url = %q, want expiry hint", u)
	}

	path := strings.TrimPrefix(strings.SplitN(u, "?", 2)[0], "file://")
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != string(data) {
		t.Fatalf("content = %q, want %q", got, data)
	}
}

func TestFSSignMissingKey(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "fs", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := st.SignedURL(context.Background(), "nope.csv", time.Hour); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestFSRejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "fs", Dir: t.TempDir()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for _, key := range []string{"../outside", "/etc/passwd", "."} {
		if err := st.Put(context.Background(), key, []byte("x"), ""); err == nil {
			t.Fatalf("Put(%q) succeeded, want rejection", key)
		}
	}
}
