package sourcereader

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// buildTestSources writes a small, internally-consistent set of source
// files (2 nodes, 1 edge, 1 name, 1 geometry point) to t.TempDir() and
// returns the SourcePaths pointing at them. Every _test.go in this package
// that needs real files on disk should start here rather than hand-rolling
// byte layouts inline.
func buildTestSources(t *testing.T) SourcePaths {
	t.Helper()

	dir := t.TempDir()

	const checksum = uint32(0xC0FFEE)

	hsgrPath := filepath.Join(dir, "dataset.hsgr")
	writeFile(t, hsgrPath, func(buf *[]byte) {
		putU32(buf, checksum)
		putU32(buf, 2) // numNodes
		putU32(buf, 1) // numEdges
		putU32(buf, 0) // GraphNodeList[0]
		putU32(buf, 1) // GraphNodeList[1]
		putU32(buf, 1) // GraphNodeList[2] (numNodes+1 entries)
		putU32(buf, 1) // GraphEdgeList[0].Target
		putU32(buf, 42) // GraphEdgeList[0].Weight
		putU8(buf, 3)  // TurnInstruction[0]
		putU8(buf, 1)  // TravelMode[0]
	})

	nodesPath := filepath.Join(dir, "dataset.nodes")
	writeFile(t, nodesPath, func(buf *[]byte) {
		putU32(buf, checksum)
		putU32(buf, 2) // numNodes
		putI32(buf, 52_500_000)
		putI32(buf, 13_400_000)
		putI32(buf, 52_510_000)
		putI32(buf, 13_410_000)
	})

	namesPath := filepath.Join(dir, "dataset.names")
	writeFile(t, namesPath, func(buf *[]byte) {
		putU32(buf, 1) // numNames
		putU32(buf, 0) // offsets[0]
		putU32(buf, 4) // offsets[1]
		putU32(buf, 0) // lengths[0] (unused by readers, kept for symmetry)
		buf2 := []byte("Fake")
		*buf = append(*buf, buf2...)
		putU32(buf, 1) // numEdges (NameIDList count)
		putU32(buf, 0) // NameIDList[0]
	})

	geometryPath := filepath.Join(dir, "dataset.geometry")
	writeFile(t, geometryPath, func(buf *[]byte) {
		putU32(buf, 1) // numEdges
		putU32(buf, 0) // index[0]
		putU32(buf, 1) // index[1]
		putU32(buf, 1) // numPoints
		putI32(buf, 52_505_000)
		putI32(buf, 13_405_000)
		putU32(buf, 0) // indicators word
	})

	timestampPath := filepath.Join(dir, "dataset.timestamp")
	if err := os.WriteFile(timestampPath, []byte("1700000000\n"), 0o600); err != nil {
		t.Fatalf("writing timestamp file: %v", err)
	}

	rtreePath := filepath.Join(dir, "dataset.ramIndex")
	if err := os.WriteFile(rtreePath, []byte("opaque-rtree-bytes"), 0o600); err != nil {
		t.Fatalf("writing rtree file: %v", err)
	}

	return SourcePaths{
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
