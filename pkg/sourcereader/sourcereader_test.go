package sourcereader

import (
	"bytes"
	"errors"
	"os"
	"testing"

	"github.com/meridian-routing/shmds/pkg/layout"
)

func Test_Size_Computes_Block_Sizes_From_Consistent_Sources(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	desc, err := Size(paths)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	cases := []struct {
		id   layout.BlockID
		want uint64
	}{
		{layout.GraphNodeList, 3 * 4},
		{layout.GraphEdgeList, 1 * 8},
		{layout.CoordinateList, 2 * 8},
		{layout.NameOffsets, 2 * 4},
		{layout.NameCharList, 4},
		{layout.NameIDList, 1 * 4},
		{layout.GeometriesList, 1 * 8},
		{layout.GeometriesIndicators, 4}, // (1/32 + 1) * 4
		{layout.CoreMarker, (2/32 + 1) * 4},
		{layout.ViaNodeList, 0},
	}

	for _, c := range cases {
		if got := desc.BlockSize(c.id); got != c.want {
			t.Errorf("BlockSize(%s) = %d, want %d", c.id, got, c.want)
		}
	}
}

func Test_Size_Fails_When_Nodes_Checksum_Disagrees_With_Topology(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	raw, err := os.ReadFile(paths.NodesPath)
	if err != nil {
		t.Fatalf("reading nodes file: %v", err)
	}

	raw[0] ^= 0xFF // corrupt the leading checksum field
	if err := os.WriteFile(paths.NodesPath, raw, 0o600); err != nil {
		t.Fatalf("rewriting nodes file: %v", err)
	}

	_, err = Size(paths)

	var sie *SourceInputError
	if !errors.As(err, &sie) || sie.Kind != KindChecksum {
		t.Fatalf("got %v, want a KindChecksum SourceInputError", err)
	}
}

func Test_Size_Fails_When_Names_Edge_Count_Disagrees_With_Topology(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	raw, err := os.ReadFile(paths.NamesPath)
	if err != nil {
		t.Fatalf("reading names file: %v", err)
	}

	// Overwrite the low byte of the numEdges field (the 4 bytes just before
	// the single NameIDList entry at the end of the file) with 0xFF, a
	// value that cannot match the topology file's edge count.
	raw[len(raw)-8] = 0xFF

	if err := os.WriteFile(paths.NamesPath, raw, 0o600); err != nil {
		t.Fatalf("rewriting names file: %v", err)
	}

	_, err = Size(paths)

	var sie *SourceInputError
	if !errors.As(err, &sie) || sie.Kind != KindSizeMismatch {
		t.Fatalf("got %v, want a KindSizeMismatch SourceInputError", err)
	}
}

func Test_Size_Fails_With_Missing_When_A_File_Does_Not_Exist(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)
	paths.HSGRPath = paths.HSGRPath + ".does-not-exist"

	_, err := Size(paths)

	var sie *SourceInputError
	if !errors.As(err, &sie) || sie.Kind != KindMissing {
		t.Fatalf("got %v, want a KindMissing SourceInputError", err)
	}
}

func Test_Fill_Produces_A_Region_That_Verifies_Clean_Under_ModeRead(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	desc, err := Size(paths)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	data := make([]byte, desc.SizeOfLayout())
	if err := Fill(data, desc, paths); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	for id := layout.BlockID(0); id < layout.NumBlocks; id++ {
		if _, err := desc.BlockBytes(data, id, layout.ModeRead); err != nil {
			t.Errorf("block %s failed canary verification: %v", id, err)
		}
	}
}

func Test_Fill_Writes_Expected_Coordinate_Bytes(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	desc, err := Size(paths)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	data := make([]byte, desc.SizeOfLayout())
	if err := Fill(data, desc, paths); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	coords, err := desc.BlockBytes(data, layout.CoordinateList, layout.ModeRead)
	if err != nil {
		t.Fatalf("BlockBytes(CoordinateList): %v", err)
	}

	want := []byte{
		0x20, 0x16, 0x21, 0x03, // 52_500_000 little-endian
		0xC0, 0x77, 0xCC, 0x00, // 13_400_000 little-endian
		0x30, 0x3D, 0x21, 0x03, // 52_510_000 little-endian
		0xD0, 0x9E, 0xCC, 0x00, // 13_410_000 little-endian
	}

	if !bytes.Equal(coords, want) {
		t.Errorf("CoordinateList bytes = % x, want % x", coords, want)
	}
}

func Test_Fill_Writes_Name_Char_List_Verbatim(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	desc, err := Size(paths)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	data := make([]byte, desc.SizeOfLayout())
	if err := Fill(data, desc, paths); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	chars, err := desc.BlockBytes(data, layout.NameCharList, layout.ModeRead)
	if err != nil {
		t.Fatalf("BlockBytes(NameCharList): %v", err)
	}

	if string(chars) != "Fake" {
		t.Errorf("NameCharList = %q, want %q", chars, "Fake")
	}
}

func Test_Fill_Writes_File_Index_Path_Verbatim(t *testing.T) {
	t.Parallel()

	paths := buildTestSources(t)

	desc, err := Size(paths)
	if err != nil {
		t.Fatalf("Size: %v", err)
	}

	data := make([]byte, desc.SizeOfLayout())
	if err := Fill(data, desc, paths); err != nil {
		t.Fatalf("Fill: %v", err)
	}

	pathBytes, err := desc.BlockBytes(data, layout.FileIndexPath, layout.ModeRead)
	if err != nil {
		t.Fatalf("BlockBytes(FileIndexPath): %v", err)
	}

	if string(pathBytes) != paths.RTreeLeafFilePath {
		t.Errorf("FileIndexPath = %q, want %q", pathBytes, paths.RTreeLeafFilePath)
	}
}
