package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sort"
)

// Snapshot file format: rolescope vector index v1
// Header: magic(8) + version(4) + collectionCount(4)
// Per collection: name(string) + entryCount(4)
// Per entry: roleID(string) + dims(4) + vector(dims*4) + metaCount(4) + meta k/v strings
// Strings are length(4) + UTF-8 bytes. All integers little-endian.

const snapshotMagic = "RSVIDX01"

// Save persists the in-memory index to a binary snapshot file.
// The snapshot can be restored with LoadSnapshot. Entries are written in
// sorted order so identical index contents produce identical files.
func (m *MemoryIndex) Save(path string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating snapshot file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)

	if _, err := w.Write([]byte(snapshotMagic)); err != nil {
		return err
	}
	if err := writeInt32(w, 1); err != nil { // version
		return err
	}
	if err := writeInt32(w, int32(len(m.collections))); err != nil {
		return err
	}

	collNames := make([]string, 0, len(m.collections))
	for name := range m.collections {
		collNames = append(collNames, name)
	}
	sort.Strings(collNames)

	for _, name := range collNames {
		coll := m.collections[name]
		if err := writeString(w, name); err != nil {
			return err
		}
		if err := writeInt32(w, int32(len(coll))); err != nil {
			return err
		}

		roleIDs := make([]string, 0, len(coll))
		for id := range coll {
			roleIDs = append(roleIDs, id)
		}
		sort.Strings(roleIDs)

		for _, roleID := range roleIDs {
			e := coll[roleID]
			if err := writeString(w, roleID); err != nil {
				return err
			}
			if err := writeInt32(w, int32(len(e.vector))); err != nil {
				return err
			}
			if _, err := w.Write(float32ToBytes(e.vector)); err != nil {
				return err
			}
			if err := writeInt32(w, int32(len(e.metadata))); err != nil {
				return err
			}
			metaKeys := make([]string, 0, len(e.metadata))
			for k := range e.metadata {
				metaKeys = append(metaKeys, k)
			}
			sort.Strings(metaKeys)
			for _, k := range metaKeys {
				if err := writeString(w, k); err != nil {
					return err
				}
				if err := writeString(w, e.metadata[k]); err != nil {
					return err
				}
			}
		}
	}

	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// LoadSnapshot restores an in-memory index from a file created by Save.
func LoadSnapshot(path string) (*MemoryIndex, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)

	magicBuf := make([]byte, 8)
	if _, err := io.ReadFull(r, magicBuf); err != nil {
		return nil, fmt.Errorf("reading snapshot magic: %w", err)
	}
	if string(magicBuf) != snapshotMagic {
		return nil, fmt.Errorf("invalid snapshot magic: %q (expected %q)", string(magicBuf), snapshotMagic)
	}

	version, err := readInt32(r)
	if err != nil {
		return nil, fmt.Errorf("reading snapshot version: %w", err)
	}
	if version != 1 {
		return nil, fmt.Errorf("unsupported snapshot version: %d", version)
	}

	collCount, err := readInt32(r)
	if err != nil {
		return nil, fmt.Errorf("reading collection count: %w", err)
	}

	m := NewMemory()
	for c := int32(0); c < collCount; c++ {
		name, err := readString(r)
		if err != nil {
			return nil, fmt.Errorf("reading collection %d name: %w", c, err)
		}
		entryCount, err := readInt32(r)
		if err != nil {
			return nil, fmt.Errorf("reading collection %q entry count: %w", name, err)
		}

		coll := make(map[string]entry, entryCount)
		for i := int32(0); i < entryCount; i++ {
			roleID, err := readString(r)
			if err != nil {
				return nil, fmt.Errorf("reading entry %d role ID: %w", i, err)
			}
			dims, err := readInt32(r)
			if err != nil {
				return nil, fmt.Errorf("reading entry %q dims: %w", roleID, err)
			}
			if dims <= 0 {
				return nil, fmt.Errorf("invalid dims %d for entry %q", dims, roleID)
			}
			blob := make([]byte, int(dims)*4)
			if _, err := io.ReadFull(r, blob); err != nil {
				return nil, fmt.Errorf("reading entry %q vector: %w", roleID, err)
			}
			metaCount, err := readInt32(r)
			if err != nil {
				return nil, fmt.Errorf("reading entry %q metadata count: %w", roleID, err)
			}
			meta := make(map[string]string, metaCount)
			for j := int32(0); j < metaCount; j++ {
				k, err := readString(r)
				if err != nil {
					return nil, fmt.Errorf("reading entry %q metadata key: %w", roleID, err)
				}
				v, err := readString(r)
				if err != nil {
					return nil, fmt.Errorf("reading entry %q metadata value: %w", roleID, err)
				}
				meta[k] = v
			}
			coll[roleID] = entry{vector: bytesToFloat32(blob), metadata: meta}
		}
		m.collections[name] = coll
	}

	return m, nil
}

// Binary helpers

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, binary.LittleEndian, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, binary.LittleEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeInt32(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readInt32(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", fmt.Errorf("negative string length %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
