package store

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"verity/internal/cube"
)

func mustEncode(t *testing.T, c *cube.Cube, opts cube.EncodeOptions) []byte {
	t.Helper()
	data, err := cube.Encode(context.Background(), c, opts)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func TestAddCubeFrozenRoundTrip(t *testing.T) {
	s := New(nil, cube.ParserCCI, 0, nil)

	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte("hello"))
	c.SetDate(time.Unix(1700000000, 0))
	data := mustEncode(t, c, cube.EncodeOptions{})

	info, err := s.AddCube(data)
	if err != nil {
		t.Fatalf("add cube: %v", err)
	}

	got, ok, err := s.GetCube(info.Key)
	if !ok || err != nil {
		t.Fatalf("get cube: ok=%v err=%v", ok, err)
	}
	payload, _ := got.Field(cube.TLVPayload)
	if string(payload) != "hello" {
		t.Fatalf("payload = %q", payload)
	}
}

func TestAddCubeMUCUpdate(t *testing.T) {
	_, priv, _ := ed25519.GenerateKey(nil)

	build := func(payload string, date int64) []byte {
		c := cube.New(cube.KindMUC, false)
		_ = c.AddField(cube.TLVPayload, []byte(payload))
		c.SetDate(time.Unix(date, 0))
		return mustEncode(t, c, cube.EncodeOptions{SigningKey: priv})
	}

	v1 := build("v1", 1000)
	v2 := build("v2", 1001)

	s := New(nil, cube.ParserCCI, 0, nil)
	if _, err := s.AddCube(v1); err != nil {
		t.Fatalf("add v1: %v", err)
	}
	info2, err := s.AddCube(v2)
	if err != nil {
		t.Fatalf("add v2: %v", err)
	}
	got, _, _ := s.GetCube(info2.Key)
	payload, _ := got.Field(cube.TLVPayload)
	if string(payload) != "v2" {
		t.Fatalf("expected v2 to win, got %q", payload)
	}

	// Reverse insertion order: result must be unchanged (spec scenario 2).
	s2 := New(nil, cube.ParserCCI, 0, nil)
	if _, err := s2.AddCube(v2); err != nil {
		t.Fatalf("add v2: %v", err)
	}
	if _, err := s2.AddCube(v1); err != nil {
		t.Fatalf("add v1: %v", err)
	}
	got2, _, _ := s2.GetCube(info2.Key)
	payload2, _ := got2.Field(cube.TLVPayload)
	if string(payload2) != "v2" {
		t.Fatalf("expected v2 to still win after reversed order, got %q", payload2)
	}
}

func TestAddCubeDuplicateFrozenNoReemit(t *testing.T) {
	s := New(nil, cube.ParserCCI, 0, nil)
	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte("x"))
	c.SetDate(time.Unix(1000, 0))
	data := mustEncode(t, c, cube.EncodeOptions{})

	done := make(chan struct{})
	defer close(done)
	events := s.Subscribe(4, done)

	if _, err := s.AddCube(data); err != nil {
		t.Fatalf("first add: %v", err)
	}
	if _, err := s.AddCube(data); err != nil {
		t.Fatalf("second add: %v", err)
	}

	select {
	case <-events:
	default:
		t.Fatalf("expected one event for first admission")
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected second event: %+v", ev)
	default:
	}
}

func TestAddCubePoWRejection(t *testing.T) {
	s := New(nil, cube.ParserCCI, 16, nil)
	c := cube.New(cube.KindFrozen, false)
	_ = c.AddField(cube.TLVPayload, []byte("x"))
	c.SetDate(time.Unix(1000, 0))
	data := mustEncode(t, c, cube.EncodeOptions{RequiredDifficulty: 0})

	if _, err := s.AddCube(data); err == nil {
		t.Fatalf("expected admission failure for low-difficulty cube")
	}
	if len(s.AllCubeInfo()) != 0 {
		t.Fatalf("store must remain empty after rejection")
	}
}
