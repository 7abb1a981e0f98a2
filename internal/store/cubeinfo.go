package store

import (
	"encoding/hex"
	"sync"
	"time"

	"verity/internal/cube"
	"verity/internal/verrors"
)

// CubeInfo is the lightweight metadata CubeStore keeps for every admitted
// cube (spec §3.3). The parsed *cube.Cube is rematerialized lazily from raw
// bytes on demand — a CubeInfo whose cube has not yet been decoded this
// session is "dormant".
type CubeInfo struct {
	Key          [cube.KeySize]byte
	KeyString    string
	Kind         cube.Kind
	SculptDate   time.Time
	UpdateCount  uint64 // PMUC only
	Difficulty   int
	Parser       cube.ParserKind
	NotifyKey    [cube.KeySize]byte
	HasNotifyKey bool

	mu   sync.Mutex
	raw  []byte
	cube *cube.Cube // nil until re-materialized
}

func newCubeInfo(key [cube.KeySize]byte, c *cube.Cube, raw []byte) *CubeInfo {
	info := &CubeInfo{
		Key:         key,
		KeyString:   hex.EncodeToString(key[:]),
		Kind:        c.Kind(),
		SculptDate:  c.Date(),
		UpdateCount: c.PMUCUpdateCount(),
		Difficulty:  cube.Difficulty(raw),
		Parser:      c.Parser(),
		raw:         raw,
		cube:        c,
	}
	if nk, ok := c.NotifyKey(); ok {
		info.NotifyKey = nk
		info.HasNotifyKey = true
	}
	return info
}

// Raw returns the cube's 1024 raw bytes.
func (ci *CubeInfo) Raw() []byte {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return append([]byte(nil), ci.raw...)
}

// Cube re-materializes the parsed cube from raw bytes if it isn't already
// cached, re-parsing with the same parser table the store used originally
// (spec §4.1 "the store records which parser a stored cube used").
func (ci *CubeInfo) Cube(requiredDifficulty int) (*cube.Cube, error) {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	if ci.cube != nil {
		return ci.cube, nil
	}
	c, err := cube.Decode(ci.raw, ci.Parser, requiredDifficulty)
	if err != nil {
		return nil, verrors.Codec("rematerialize dormant cube %s: %v", ci.KeyString, err)
	}
	ci.cube = c
	return c, nil
}

// dormant drops the cached parsed cube, keeping only raw bytes, so the next
// Cube call re-decodes it from raw.
func (ci *CubeInfo) dormant() {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.cube = nil
}
