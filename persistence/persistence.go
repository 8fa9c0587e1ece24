// Copyright 2025 The ringserver Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package persistence owns the on-disk layout around a ring.Ring: the
// snappy-compressed StreamIndex sidecar, and the corruption/old-version
// auto-recovery policy (rename aside, reinitialize, convert).
package persistence

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/valyala/bytebufferpool"

	"github.com/ringserver/ringserver/common"
	"github.com/ringserver/ringserver/logger"
	"github.com/ringserver/ringserver/ring"
	"github.com/ringserver/ringserver/ring/convert"
)

const streamIndexName = "streamidx"

// Open applies the auto-recovery policy on top of ring.Open:
//   - ring.ErrCorrupt: rename packetbuf/streamidx aside with a .corrupt
//     suffix and re-initialize an empty ring.
//   - *ring.OldVersionError(k): rename aside with a .versionK suffix,
//     re-initialize empty, then replay the old file's packets via the V1
//     converter.
//   - ring.ErrGeometryMismatch: fatal, returned unchanged.
//
// Open retries ring.Open exactly once after recovery; a second failure
// is fatal.
func Open(cfg ring.Config) (*ring.Ring, error) {
	r, err := ring.Open(cfg)
	if err == nil {
		loadIndex(cfg.Dir, r)
		return r, nil
	}

	var oldVer *ring.OldVersionError
	switch {
	case errors.As(err, &oldVer):
		if rerr := recoverOldVersion(cfg, oldVer.Version); rerr != nil {
			return nil, rerr
		}
	case errors.Is(err, ring.ErrCorrupt):
		if rerr := recoverCorrupt(cfg); rerr != nil {
			return nil, rerr
		}
	default:
		return nil, err
	}

	r, err = ring.Open(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "persistence: ring unusable after recovery")
	}
	return r, nil
}

func recoverCorrupt(cfg ring.Config) error {
	if cfg.Dir == "" {
		return nil
	}
	logger.Warnf("ring corruption detected in %s, renaming aside", cfg.Dir)
	return renameAside(cfg.Dir, ".corrupt")
}

func recoverOldVersion(cfg ring.Config, version int) error {
	if cfg.Dir == "" {
		return errors.New("persistence: cannot migrate an anonymous ring")
	}
	logger.Infof("ring at %s is format version %d, migrating", cfg.Dir, version)

	suffix := fmt.Sprintf(".version%d", version)
	if err := renameAside(cfg.Dir, suffix); err != nil {
		return err
	}

	fresh, err := ring.Open(cfg)
	if err != nil {
		return errors.Wrap(err, "persistence: init fresh ring for migration")
	}

	oldPath := filepath.Join(cfg.Dir, "packetbuf"+suffix)
	if err := convert.ConvertV1(oldPath, fresh); err != nil {
		fresh.Shutdown()
		return errors.Wrap(err, "persistence: V1 conversion")
	}

	return fresh.Shutdown()
}

// renameAside moves packetbuf and streamidx in dir to packetbuf<suffix>
// and streamidx<suffix>. A missing streamidx is not an error: a prior
// recovery pass may have unlinked it rather than renaming it.
func renameAside(dir, suffix string) error {
	bufPath := filepath.Join(dir, "packetbuf")
	if _, err := os.Stat(bufPath); err == nil {
		if err := os.Rename(bufPath, bufPath+suffix); err != nil {
			return errors.Wrap(err, "persistence: rename packetbuf aside")
		}
	}

	idxPath := filepath.Join(dir, streamIndexName)
	if _, err := os.Stat(idxPath); err == nil {
		if err := os.Rename(idxPath, idxPath+suffix); err != nil {
			return errors.Wrap(err, "persistence: rename streamidx aside")
		}
	}
	return nil
}

// SaveIndex serializes r's StreamIndex to the streamidx sidecar, snappy-
// compressed, called on clean shutdown alongside ring.Shutdown.
func SaveIndex(dir string, r *ring.Ring) error {
	if dir == "" {
		return nil
	}

	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	r.StreamIndex().Each(func(e ring.StreamEntry) {
		appendEntry(buf, e)
	})

	compressed := snappy.Encode(nil, buf.B)
	path := filepath.Join(dir, streamIndexName)
	return errors.Wrap(os.WriteFile(path, compressed, 0o644), "persistence: write streamidx")
}

func loadIndex(dir string, r *ring.Ring) {
	if dir == "" {
		return
	}
	if r.LatestID() == common.RingIDMaximum {
		// Fresh or emptied ring; a sidecar lying around (e.g. after the
		// packetbuf alone was removed) would index packets that no longer
		// exist.
		return
	}
	path := filepath.Join(dir, streamIndexName)
	compressed, err := os.ReadFile(path)
	if err != nil {
		return // absent sidecar is normal for a freshly initialized ring
	}

	raw, err := snappy.Decode(nil, compressed)
	if err != nil {
		logger.Warnf("persistence: streamidx at %s is corrupt, ignoring: %v", path, err)
		return
	}

	idx := ring.NewStreamIndex()
	for off := 0; off < len(raw); {
		e, n, ok := decodeEntry(raw[off:])
		if !ok {
			logger.Warnf("persistence: truncated streamidx entry at %s, ignoring remainder", path)
			break
		}
		idx.RestoreEntry(e)
		off += n
	}
	r.SetStreamIndex(idx)
	r.ReindexOffsets()
}

// Wire format per entry: keylen(1) key earliestID(8) latestID(8)
// earliestTime(8) latestTime(8) packetCount(8) byteCount(8).
func appendEntry(buf *bytebufferpool.ByteBuffer, e ring.StreamEntry) {
	buf.B = append(buf.B, byte(len(e.StreamKey)))
	buf.B = append(buf.B, e.StreamKey...)
	appendU64(buf, e.EarliestID)
	appendU64(buf, e.LatestID)
	appendU64(buf, uint64(e.EarliestTime))
	appendU64(buf, uint64(e.LatestTime))
	appendU64(buf, e.PacketCount)
	appendU64(buf, e.ByteCount)
}

func appendU64(buf *bytebufferpool.ByteBuffer, v uint64) {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], v)
	buf.B = append(buf.B, tmp[:]...)
}

func decodeEntry(buf []byte) (ring.StreamEntry, int, bool) {
	if len(buf) < 1 {
		return ring.StreamEntry{}, 0, false
	}
	keyLen := int(buf[0])
	need := 1 + keyLen + 8*6
	if len(buf) < need {
		return ring.StreamEntry{}, 0, false
	}

	e := ring.StreamEntry{StreamKey: string(buf[1 : 1+keyLen])}
	p := 1 + keyLen
	e.EarliestID = binary.LittleEndian.Uint64(buf[p : p+8])
	e.LatestID = binary.LittleEndian.Uint64(buf[p+8 : p+16])
	e.EarliestTime = int64(binary.LittleEndian.Uint64(buf[p+16 : p+24]))
	e.LatestTime = int64(binary.LittleEndian.Uint64(buf[p+24 : p+32]))
	e.PacketCount = binary.LittleEndian.Uint64(buf[p+32 : p+40])
	e.ByteCount = binary.LittleEndian.Uint64(buf[p+40 : p+48])
	return e, need, true
}
