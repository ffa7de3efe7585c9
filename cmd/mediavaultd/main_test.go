package main

import "testing"

func TestSplitHostPortParsesHostAndPort(t *testing.T) {
	host, port := splitHostPort("qdrant.internal:6334")
	if host != "qdrant.internal" || port != 6334 {
		t.Fatalf("got %q:%d, want qdrant.internal:6334", host, port)
	}
}

func TestSplitHostPortFallsBackToDefaultPortWithoutColon(t *testing.T) {
	host, port := splitHostPort("qdrant.internal")
	if host != "qdrant.internal" {
		t.Fatalf("unexpected host %q", host)
	}
	if port <= 0 {
		t.Fatalf("expected a positive default port, got %d", port)
	}
}

func TestRootCommandDefaultsToServe(t *testing.T) {
	if rootCmd.RunE == nil {
		t.Fatal("expected rootCmd to have a RunE so bare `mediavaultd` serves by default")
	}
}

func TestSplitHostPortFallsBackOnUnparsablePort(t *testing.T) {
	host, port := splitHostPort("localhost:notaport")
	if host != "localhost" {
		t.Fatalf("unexpected host %q", host)
	}
	if port <= 0 {
		t.Fatalf("expected a positive default port, got %d", port)
	}
}
