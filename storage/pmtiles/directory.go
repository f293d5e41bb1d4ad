package pmtiles

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
)

// EntryV3 points a run of tile ids at data, or a leaf directory when RunLength is 0.
type EntryV3 struct {
	TileId    uint64
	Offset    uint64
	Length    uint32
	RunLength uint32
}

func serializeEntries(entries []EntryV3) ([]byte, error) {
	var raw bytes.Buffer
	tmp := make([]byte, binary.MaxVarintLen64)

	put := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		raw.Write(tmp[:n])
	}

	put(uint64(len(entries)))

	lastID := uint64(0)
	for _, e := range entries {
		put(e.TileId - lastID)
		lastID = e.TileId
	}
	for _, e := range entries {
		put(uint64(e.RunLength))
	}
	for _, e := range entries {
		put(uint64(e.Length))
	}
	for i, e := range entries {
		if i > 0 && e.Offset == entries[i-1].Offset+uint64(entries[i-1].Length) {
			put(0)
		} else {
			put(e.Offset + 1)
		}
	}

	var out bytes.Buffer
	w := gzip.NewWriter(&out)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}

func deserializeEntries(data []byte) ([]EntryV3, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("invalid directory: %w", err)
	}
	defer reader.Close()

	br := bufio.NewReader(reader)
	read := func() (uint64, error) {
		v, err := binary.ReadUvarint(br)
		if err == io.EOF {
			return 0, io.ErrUnexpectedEOF
		}
		return v, err
	}

	numEntries, err := read()
	if err != nil {
		return nil, fmt.Errorf("invalid directory: %w", err)
	}

	entries := make([]EntryV3, numEntries)

	lastID := uint64(0)
	for i := range entries {
		tmp, err := read()
		if err != nil {
			return nil, fmt.Errorf("invalid directory ids: %w", err)
		}
		entries[i].TileId = lastID + tmp
		lastID = entries[i].TileId
	}

	for i := range entries {
		runLength, err := read()
		if err != nil {
			return nil, fmt.Errorf("invalid directory run lengths: %w", err)
		}
		entries[i].RunLength = uint32(runLength)
	}

	for i := range entries {
		length, err := read()
		if err != nil {
			return nil, fmt.Errorf("invalid directory lengths: %w", err)
		}
		entries[i].Length = uint32(length)
	}

	for i := range entries {
		tmp, err := read()
		if err != nil {
			return nil, fmt.Errorf("invalid directory offsets: %w", err)
		}
		if i > 0 && tmp == 0 {
			entries[i].Offset = entries[i-1].Offset + uint64(entries[i-1].Length)
		} else {
			entries[i].Offset = tmp - 1
		}
	}

	return entries, nil
}

func findTile(entries []EntryV3, tileId uint64) (EntryV3, bool) {
	m := 0
	n := len(entries) - 1
	for m <= n {
		k := (n + m) >> 1
		switch {
		case tileId > entries[k].TileId:
			m = k + 1
		case tileId < entries[k].TileId:
			n = k - 1
		default:
			return entries[k], true
		}
	}

	// at this point, m > n
	if n >= 0 {
		if entries[n].RunLength == 0 {
			return entries[n], true
		}
		if tileId-entries[n].TileId < uint64(entries[n].RunLength) {
			return entries[n], true
		}
	}
	return EntryV3{}, false
}

func buildRootsLeaves(entries []EntryV3, leafSize int) ([]byte, []byte, int, error) {
	var rootEntries []EntryV3
	var leaves bytes.Buffer
	numLeaves := 0

	for idx := 0; idx < len(entries); idx += leafSize {
		numLeaves++
		end := idx + leafSize
		if end > len(entries) {
			end = len(entries)
		}

		serialized, err := serializeEntries(entries[idx:end])
		if err != nil {
			return nil, nil, 0, err
		}

		rootEntries = append(rootEntries, EntryV3{
			TileId: entries[idx].TileId,
			Offset: uint64(leaves.Len()),
			Length: uint32(len(serialized)),
		})
		leaves.Write(serialized)
	}

	root, err := serializeEntries(rootEntries)
	if err != nil {
		return nil, nil, 0, err
	}
	return root, leaves.Bytes(), numLeaves, nil
}

// optimizeDirectories returns a root directory of at most targetRootLen bytes,
// spilling entries into leaf directories when needed.
func optimizeDirectories(entries []EntryV3, targetRootLen int) ([]byte, []byte, int, error) {
	if len(entries) < 16384 {
		root, err := serializeEntries(entries)
		if err != nil {
			return nil, nil, 0, err
		}
		if len(root) <= targetRootLen {
			return root, nil, 0, nil
		}
	}

	leafSize := float64(4096)
	for {
		root, leaves, numLeaves, err := buildRootsLeaves(entries, int(leafSize))
		if err != nil {
			return nil, nil, 0, err
		}
		if len(root) <= targetRootLen {
			return root, leaves, numLeaves, nil
		}
		leafSize *= 1.2
	}
}
