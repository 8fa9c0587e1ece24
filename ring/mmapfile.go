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

package ring

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// mmapFile is a memory-mapped backing store for the ring: the header
// region followed by maxpackets fixed-size slots. An empty path selects an
// anonymous (non-persisted) mapping, used for volatile test/dev rings.
type mmapFile struct {
	f    *os.File
	data []byte
	size int64
}

func openMmapFile(path string, size int64) (*mmapFile, error) {
	if path == "" {
		data, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE,
			unix.MAP_SHARED|unix.MAP_ANON)
		if err != nil {
			return nil, errors.Wrapf(ErrIO, "anonymous mmap: %v", err)
		}
		return &mmapFile{data: data, size: size}, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(ErrIO, "open %s: %v", path, err)
	}

	// Exclusive, non-blocking advisory lock: a second process opening the
	// same ring directory fails fast instead of silently racing the mmap.
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrIO, "flock %s: %v", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrIO, "stat %s: %v", path, err)
	}
	if st.Size() < size {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, errors.Wrapf(ErrIO, "truncate %s: %v", path, err)
		}
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(ErrIO, "mmap %s: %v", path, err)
	}

	return &mmapFile{f: f, data: data, size: size}, nil
}

// sync flushes dirty mapped pages back to the backing file. No-op for
// anonymous mappings.
func (m *mmapFile) sync() error {
	if m.f == nil {
		return nil
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

func (m *mmapFile) close() error {
	if err := unix.Munmap(m.data); err != nil {
		return errors.Wrap(err, "ring: munmap")
	}
	if m.f != nil {
		return m.f.Close()
	}
	return nil
}
