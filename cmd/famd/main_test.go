package main

import "testing"

func TestFlagToConfigKeyCoversEveryBoundOverride(t *testing.T) {
	want := []string{"local-only", "idle-timeout", "poll-interval", "insecure-compat", "disable-remote-polling"}
	for _, name := range want {
		if _, ok := flagToConfigKey[name]; !ok {
			t.Fatalf("flagToConfigKey missing entry for flag %q", name)
		}
	}
}
