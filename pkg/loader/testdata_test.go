package loader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/meridian-routing/shmds/pkg/sourcereader"
)

// buildTestSources writes a small, internally-consistent set of source
// files (2 nodes, 1 edge, 1 name, 1 geometry point) and returns the
// SourcePaths pointing at them. Mirrors pkg/sourcereader's own test fixture
// since the two packages' _test.go files can't share unexported helpers
// across a package boundary.
func buildTestSources(t *testing.T) sourcereader.SourcePaths {
	t.Helper()

	dir := t.TempDir()

	const checksum = uint32(0xC0FFEE)

	hsgrPath := filepath.Join(dir, "dataset.hsgr")
	writeFile(t, hsgrPath, func(buf *[]byte) {
		putU32(buf, checksum)
		putU32(buf, 2)
		putU32(buf, 1)
		putU32(buf, 0)
		putU32(buf, 1)
		putU32(buf, 1)
		putU32(buf, 1)
		putU32(buf, 42)
		putU8(buf, 3)
		putU8(buf, 1)
	})

	nodesPath := filepath.Join(dir, "dataset.nodes")
	writeFile(t, nodesPath, func(buf *[]byte) {
		putU32(buf, checksum)
		putU32(buf, 2)
		putI32(buf, 52_500_000)
		putI32(buf, 13_400_000)
		putI32(buf, 52_510_000)
		putI32(buf, 13_410_000)
	})

	namesPath := filepath.Join(dir, "dataset.names")
	writeFile(t, namesPath, func(buf *[]byte) {
		putU32(buf, 1)
		putU32(buf, 0)
		putU32(buf, 4)
		putU32(buf, 0)
		*buf = append(*buf, []byte("Fake")...)
		putU32(buf, 1)
		putU32(buf, 0)
	})

	geometryPath := filepath.Join(dir, "dataset.geometry")
	writeFile(t, geometryPath, func(buf *[]byte) {
		putU32(buf, 1)
		putU32(buf, 0)
		putU32(buf, 1)
		putU32(buf, 1)
		putI32(buf, 52_505_000)
		putI32(buf, 13_405_000)
		putU32(buf, 0)
	})

	timestampPath := filepath.Join(dir, "dataset.timestamp")
	if err := os.WriteFile(timestampPath, []byte("1700000000\n"), 0o600); err != nil {
		t.Fatalf("writing timestamp file: %v", err)
	}

	rtreePath := filepath.Join(dir, "dataset.ramIndex")
	if err := os.WriteFile(rtreePath, []byte("opaque-rtree-bytes"), 0o600); err != nil {
		t.Fatalf("writing rtree file: %v", err)
	}

	return sourcereader.SourcePaths{
		HSGRPath:          hsgrPath,
		NodesPath:         nodesPath,
		NamesPath:         namesPath,
		GeometryPath:      geometryPath,
		TimestampPath:     timestampPath,
		RTreeNodesPath:    rtreePath,
		RTreeLeafFilePath: filepath.Join(dir, "dataset.fileIndex"),
	}
}

func writeFile(t *testing.T, path string, build func(buf *[]byte)) {
	t.Helper()

	var buf []byte
	build(&buf)

	if err := os.WriteFile(path, buf, 0o600); err != nil {
		t.Fatalf("writing %s: %v", path, err)
	}
}

func putU32(buf *[]byte, v uint32) {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], v)
	*buf = append(*buf, tmp[:]...)
}

func putI32(buf *[]byte, v int32) {
	putU32(buf, uint32(v))
}

func putU8(buf *[]byte, v uint8) {
	*buf = append(*buf, v)
}
