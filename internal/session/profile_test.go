package session

import (
	"testing"
	"time"
)

func TestProfilerPacing(t *testing.T) {
	var p profiler
	now := time.Unix(1000, 0)
	if !p.due(now) {
		t.Fatal("first sample not due")
	}
	if p.due(now.Add(profileInterval / 2)) {
		t.Fatal("sampled twice within the interval")
	}
	if !p.due(now.Add(profileInterval)) {
		t.Fatal("sample not due after the interval")
	}
}
