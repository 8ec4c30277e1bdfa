package main

import (
	"context"
	"testing"

	"github.com/cinebaby/cinebaby/internal/config"
)

func TestOtherBackend(t *testing.T) {
	cases := []struct {
		in, want string
		wantErr  bool
	}{
		{"postgres", "leveldb", false},
		{"leveldb", "postgres", false},
		{"redis", "", true},
	}
	for _, tc := range cases {
		got, err := otherBackend(tc.in)
		if tc.wantErr != (err != nil) || got != tc.want {
			t.Errorf("otherBackend(%q) = %q, %v", tc.in, got, err)
		}
	}
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := &config.Config{}
	if _, err := openStore(context.Background(), cfg, "mongodb"); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestOpenBlobs(t *testing.T) {
	ctx := context.Background()

	mem := &config.Config{BlobBackend: "memory", MaxUploadMB: 1}
	if _, err := openBlobs(ctx, mem); err != nil {
		t.Fatalf("memory: %v", err)
	}

	fs := &config.Config{BlobBackend: "filesystem", BlobDir: t.TempDir(), MaxUploadMB: 1}
	if _, err := openBlobs(ctx, fs); err != nil {
		t.Fatalf("filesystem: %v", err)
	}

	bad := &config.Config{BlobBackend: "ftp"}
	if _, err := openBlobs(ctx, bad); err == nil {
		t.Fatal("expected error for unknown blob backend")
	}
}
