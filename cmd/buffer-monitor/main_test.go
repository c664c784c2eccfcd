package main

import (
	"errors"
	"testing"

	"github.com/example/mqtt-opcua-bridge/internal/bridgeerr"
)

func TestExitCodeClassifiesTaxonomy(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"integrity", bridgeerr.Integrity("bad row", nil), exitIntegrity},
		{"store unavailable", bridgeerr.StoreUnavailable(errors.New("disk full")), exitStore},
		{"other", errors.New("boom"), exitUsage},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCode(tc.err); got != tc.want {
				t.Fatalf("exitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
