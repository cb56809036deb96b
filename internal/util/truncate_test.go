package util

import (
	"strings"
	"testing"
)

func TestTruncateLog_ShortStringUnchanged(t *testing.T) {
	if got := TruncateLog("hello", 10); got != "hello" {
		t.Fatalf("expected unchanged string, got %q", got)
	}
}

func TestTruncateLog_LongStringTruncated(t *testing.T) {
	got := TruncateLog(strings.Repeat("a", 2000), 100)
	if !strings.HasPrefix(got, strings.Repeat("a", 100)) {
		t.Fatalf("expected truncated prefix, got %q", got[:120])
	}
	if !strings.Contains(got, "2000 bytes total") {
		t.Fatalf("expected total size marker, got %q", got)
	}
}

func TestTruncateBytes_UsesDefaultLimit(t *testing.T) {
	got := TruncateBytes([]byte(strings.Repeat("b", DefaultLogMaxLen+1)))
	if len(got) <= DefaultLogMaxLen {
		t.Fatalf("expected marker appended, got len %d", len(got))
	}
	if !strings.Contains(got, "truncated") {
		t.Fatalf("expected truncation marker, got %q", got[len(got)-60:])
	}
}
