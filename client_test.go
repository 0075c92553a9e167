package main

import (
	"bytes"
	"testing"
)

func TestExtraNonce1Deterministic(t *testing.T) {
	client := newLoopbackClient()
	defer client.conn.Close()

	jobA := hashFromByte(0xaa)
	jobB := hashFromByte(0xbb)

	en1 := client.extraNonce1(jobA)
	if len(en1) != extraNonce1Size {
		t.Fatalf("extranonce1 length = %d; want %d", len(en1), extraNonce1Size)
	}
	if !bytes.Equal(en1, client.extraNonce1(jobA)) {
		t.Fatal("extranonce1 not deterministic")
	}

	// Without the extranonce subscription the job id must not matter.
	if !bytes.Equal(en1, client.extraNonce1(jobB)) {
		t.Fatal("extranonce1 depends on job id without subscription")
	}

	// With the subscription it must.
	client.supportsExtraNonce = true
	subA := client.extraNonce1(jobA)
	subB := client.extraNonce1(jobB)
	if bytes.Equal(subA, subB) {
		t.Fatal("extranonce1 ignores job id with subscription")
	}
	if !bytes.Equal(subA, client.extraNonce1(jobA)) {
		t.Fatal("extranonce1 not deterministic with subscription")
	}
}

func TestExtraNonce1PerSession(t *testing.T) {
	a := newLoopbackClient()
	defer a.conn.Close()
	b := newLoopbackClient()
	defer b.conn.Close()

	job := hashFromByte(0x42)
	if bytes.Equal(a.extraNonce1(job), b.extraNonce1(job)) {
		t.Fatal("two sessions derived the same extranonce1")
	}
}

func TestRollVersion(t *testing.T) {
	template := int32(0x20000000)
	// Mask already reduced to the permitted range.
	mask := uint32(0x1fffe000)

	got := rollVersion(template, 0xe0002000, mask)
	if got != 0x20002000 {
		t.Fatalf("rolled version = %08x; want 20002000", uint32(got))
	}

	// A submitted bit below the permitted range is discarded.
	if rollVersion(template, 0x00001000, mask) != template {
		t.Fatal("bit outside the mask rolled through")
	}

	// Bits outside the mask always come from the template.
	got = rollVersion(template, 0xffffffff, mask)
	if uint32(got)&^mask != uint32(template)&^mask {
		t.Fatalf("bits outside mask leaked: %08x", uint32(got))
	}

	// Zero mask ignores the submission entirely.
	if rollVersion(template, 0xffffffff, 0) != template {
		t.Fatal("zero mask should pin the template version")
	}
}
