// Package sourcereader parses the on-disk preprocessor output files for a
// dataset into block sizes (pass 1, for layout.Descriptor) and then block
// contents (pass 2, for a writable data region). The two-pass split exists
// because the data region must be sized and allocated before any byte of
// it can be written.
//
// File formats here are this module's own - a faithful reimplementation
// does not need to match OSRM's on-disk byte layout, only the in-memory
// block layout described by pkg/layout. Where the distilled spec names a
// file only by role ("a graph-topology file", "a name-dictionary file"),
// this package defines a concrete, self-consistent binary encoding for it.
package sourcereader

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/meridian-routing/shmds/pkg/dataset"
	"github.com/meridian-routing/shmds/pkg/layout"
)

// SourcePaths names the on-disk preprocessor output files for one dataset.
// Fields correspond to the [MODULE]s' "Input files" list in spec §4.2.
type SourcePaths struct {
	// HSGRPath is the graph-topology file: a leading checksum, the CSR
	// node array (GraphNodeList), the edge array (GraphEdgeList), and the
	// per-edge TurnInstruction/TravelMode arrays.
	HSGRPath string

	// NodesPath is the coordinate file: a leading checksum (must match
	// HSGRPath's) and the CoordinateList array.
	NodesPath string

	// NamesPath is the name-dictionary file: NameOffsets, NameBlocks,
	// NameCharList, and the per-edge NameIDList (edge count must match
	// HSGRPath's).
	NamesPath string

	// GeometryPath is the geometries file: GeometriesIndex,
	// GeometriesList, and the GeometriesIndicators bitset.
	GeometryPath string

	// TimestampPath is a text file holding a single decimal integer.
	TimestampPath string

	// RTreeNodesPath is an opaque blob copied verbatim into the
	// RSearchTree block; its structure is owned by the r-tree consumer.
	RTreeNodesPath string

	// RTreeLeafFilePath is stored verbatim (as a string, not read as
	// content) in the FileIndexPath block - the consumer mmaps leaf data
	// from this path lazily, outside this module's scope.
	RTreeLeafFilePath string

	// CoreMarkerPath is optional: a bitset file for contraction-hierarchy
	// core nodes. If empty, CoreMarker is sized to the node count with
	// every bit clear (no core contraction happened).
	CoreMarkerPath string

	// RestrictionsPath is optional: a node-id list for ViaNodeList. If
	// empty, ViaNodeList is zero-length.
	RestrictionsPath string
}

// counts carries the element counts discovered during pass 1 and used by
// Size to populate the descriptor.
type counts struct {
	numNodes    uint64
	numEdges    uint64
	numNames    uint64
	numGeomPts  uint64
	numVia      uint64
	rtreeBytes  uint64
	pathBytes   uint64
	hsgrChecksum uint32
	hasCoreFile bool
}

// Size performs pass 1: it reads just enough of each input file (leading
// count fields) to populate a layout.Descriptor, without reading block
// contents. Fill in pass 2 re-reads the headers it needs from each file.
func Size(paths SourcePaths) (*layout.Descriptor, error) {
	c, err := readCounts(paths)
	if err != nil {
		return nil, err
	}

	d := &layout.Descriptor{}

	d.SetBlockSize(layout.NameOffsets, c.numNames+1, 4)
	d.SetBlockSize(layout.NameBlocks, c.numNames, 4)
	d.SetBlockSize(layout.NameIDList, c.numEdges, 4)
	d.SetBlockSize(layout.ViaNodeList, c.numVia, 4)
	d.SetBlockSize(layout.GraphNodeList, c.numNodes+1, 4)
	d.SetBlockSize(layout.GraphEdgeList, c.numEdges, dataset.GraphEdgeSize)
	d.SetBlockSize(layout.CoordinateList, c.numNodes, dataset.CoordinateSize)
	d.SetBlockSize(layout.TurnInstruction, c.numEdges, 1)
	d.SetBlockSize(layout.TravelMode, c.numEdges, 1)
	d.SetBlockSize(layout.RSearchTree, c.rtreeBytes, 1)
	d.SetBlockSize(layout.GeometriesIndex, c.numEdges+1, 4)
	d.SetBlockSize(layout.GeometriesList, c.numGeomPts, dataset.CoordinateSize)
	d.SetBlockSize(layout.GeometriesIndicators, c.numGeomPts, 4)
	d.SetBlockSize(layout.HSGRChecksum, 1, 4)
	d.SetBlockSize(layout.Timestamp, 1, 4)
	d.SetBlockSize(layout.FileIndexPath, c.pathBytes, 1)
	d.SetBlockSize(layout.CoreMarker, c.numNodes, 4)

	// NameCharList's length is the final name offset; fixNameCharListSize
	// reads it from the names file's offsets array and sets the block size.
	if err := fixNameCharListSize(paths, d); err != nil {
		return nil, err
	}

	return d, nil
}

// fixNameCharListSize re-opens NamesPath just far enough to read the final
// offset entry (= total character count), without reading the char list or
// name-id list bodies.
func fixNameCharListSize(paths SourcePaths, d *layout.Descriptor) error {
	f, err := os.Open(paths.NamesPath)
	if err != nil {
		return missingErr(paths.NamesPath, err)
	}
	defer f.Close()

	var numNames uint32
	if err := binary.Read(f, binary.LittleEndian, &numNames); err != nil {
		return malformedErr(paths.NamesPath, err)
	}

	offsets := make([]uint32, numNames+1)
	if err := binary.Read(f, binary.LittleEndian, &offsets); err != nil {
		return malformedErr(paths.NamesPath, err)
	}

	total := uint64(0)
	if len(offsets) > 0 {
		total = uint64(offsets[len(offsets)-1])
	}

	d.SetBlockSize(layout.NameCharList, total, 1)

	return nil
}

func readCounts(paths SourcePaths) (counts, error) {
	var c counts

	hsgrChecksum, numNodesFromHSGR, numEdges, err := readHSGRCounts(paths.HSGRPath)
	if err != nil {
		return c, err
	}

	nodesChecksum, numNodesFromNodes, err := readNodesCount(paths.NodesPath)
	if err != nil {
		return c, err
	}

	if nodesChecksum != hsgrChecksum {
		return c, checksumErr(paths.NodesPath,
			fmt.Errorf("checksum %#x does not match topology file's %#x", nodesChecksum, hsgrChecksum))
	}

	if numNodesFromHSGR != numNodesFromNodes {
		return c, sizeMismatchErr(paths.NodesPath,
			fmt.Errorf("node count %d does not match topology file's %d", numNodesFromNodes, numNodesFromHSGR))
	}

	numEdgesFromNames, numNames, err := readNamesCounts(paths.NamesPath)
	if err != nil {
		return c, err
	}

	if numEdgesFromNames != numEdges {
		return c, sizeMismatchErr(paths.NamesPath,
			fmt.Errorf("edge count %d does not match topology file's %d", numEdgesFromNames, numEdges))
	}

	numGeomEdges, numGeomPts, err := readGeometryCounts(paths.GeometryPath)
	if err != nil {
		return c, err
	}

	if numGeomEdges != numEdges {
		return c, sizeMismatchErr(paths.GeometryPath,
			fmt.Errorf("edge count %d does not match topology file's %d", numGeomEdges, numEdges))
	}

	if err := checkTimestampFile(paths.TimestampPath); err != nil {
		return c, err
	}

	rtreeBytes, err := fileSize(paths.RTreeNodesPath)
	if err != nil {
		return c, missingErr(paths.RTreeNodesPath, err)
	}

	numVia, err := readOptionalNodeList(paths.RestrictionsPath)
	if err != nil {
		return c, err
	}

	c.numNodes = numNodesFromHSGR
	c.numEdges = numEdges
	c.numNames = numNames
	c.numGeomPts = numGeomPts
	c.numVia = numVia
	c.rtreeBytes = uint64(rtreeBytes)
	c.pathBytes = uint64(len(paths.RTreeLeafFilePath))
	c.hsgrChecksum = hsgrChecksum
	c.hasCoreFile = paths.CoreMarkerPath != ""

	return c, nil
}

func readHSGRCounts(path string) (checksum uint32, numNodes, numEdges uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, missingErr(path, err)
	}
	defer f.Close()

	var header struct {
		Checksum uint32
		NumNodes uint32
		NumEdges uint32
	}

	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return 0, 0, 0, malformedErr(path, err)
	}

	return header.Checksum, uint64(header.NumNodes), uint64(header.NumEdges), nil
}

func readNodesCount(path string) (checksum uint32, numNodes uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, missingErr(path, err)
	}
	defer f.Close()

	var header struct {
		Checksum uint32
		NumNodes uint32
	}

	if err := binary.Read(f, binary.LittleEndian, &header); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	return header.Checksum, uint64(header.NumNodes), nil
}

func readNamesCounts(path string) (numEdges, numNames uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, missingErr(path, err)
	}
	defer f.Close()

	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	offsets := make([]uint32, n+1)
	if err := binary.Read(f, binary.LittleEndian, &offsets); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	lengths := make([]uint32, n)
	if err := binary.Read(f, binary.LittleEndian, &lengths); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	totalChars := uint64(0)
	if len(offsets) > 0 {
		totalChars = uint64(offsets[len(offsets)-1])
	}

	if _, err := f.Seek(int64(totalChars), 1); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	var numEdgesField uint32
	if err := binary.Read(f, binary.LittleEndian, &numEdgesField); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	return uint64(numEdgesField), uint64(n), nil
}

func readGeometryCounts(path string) (numEdges, numGeomPts uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, missingErr(path, err)
	}
	defer f.Close()

	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	index := make([]uint32, n+1)
	if err := binary.Read(f, binary.LittleEndian, &index); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	var numPts uint32
	if err := binary.Read(f, binary.LittleEndian, &numPts); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	return uint64(n), uint64(numPts), nil
}

func checkTimestampFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return missingErr(path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return malformedErr(path, fmt.Errorf("empty timestamp file"))
	}

	if _, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32); err != nil {
		return malformedErr(path, err)
	}

	return nil
}

func fileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	return info.Size(), nil
}

func readOptionalNodeList(path string) (uint64, error) {
	if path == "" {
		return 0, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return 0, missingErr(path, err)
	}
	defer f.Close()

	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return 0, malformedErr(path, err)
	}

	return uint64(n), nil
}

// Fill performs pass 2: it re-reads every source file in full and copies
// block contents into region, a data region byte slice already sized to
// desc.SizeOfLayout() by the caller. Every block is written through
// desc.BlockBytes(..., layout.ModeWrite), which also stamps the bracketing
// canaries - so a freshly filled region always verifies clean under
// ModeRead immediately afterward.
func Fill(region []byte, desc *layout.Descriptor, paths SourcePaths) error {
	fillers := []struct {
		id  layout.BlockID
		fn  func([]byte, SourcePaths) error
	}{
		{layout.GraphNodeList, fillGraphNodeList},
		{layout.GraphEdgeList, fillGraphEdgeList},
		{layout.TurnInstruction, fillTurnInstruction},
		{layout.TravelMode, fillTravelMode},
		{layout.HSGRChecksum, fillHSGRChecksum},
		{layout.CoordinateList, fillCoordinateList},
		{layout.NameOffsets, fillNameOffsets},
		{layout.NameBlocks, fillNameBlocks},
		{layout.NameCharList, fillNameCharList},
		{layout.NameIDList, fillNameIDList},
		{layout.GeometriesIndex, fillGeometriesIndex},
		{layout.GeometriesList, fillGeometriesList},
		{layout.GeometriesIndicators, fillGeometriesIndicators},
		{layout.Timestamp, fillTimestamp},
		{layout.RSearchTree, fillRSearchTree},
		{layout.FileIndexPath, fillFileIndexPath},
		{layout.CoreMarker, fillCoreMarker},
		{layout.ViaNodeList, fillViaNodeList},
	}

	for _, f := range fillers {
		dst, err := desc.BlockBytes(region, f.id, layout.ModeWrite)
		if err != nil {
			return fmt.Errorf("sourcereader: sizing block %s: %w", f.id, err)
		}

		if err := f.fn(dst, paths); err != nil {
			return err
		}
	}

	return nil
}

// readFull opens path, discards skip leading bytes, and reads exactly
// len(dst) bytes into dst.
func readFull(path string, skip int64, dst []byte) error {
	f, err := os.Open(path)
	if err != nil {
		return missingErr(path, err)
	}
	defer f.Close()

	if skip > 0 {
		if _, err := f.Seek(skip, 0); err != nil {
			return malformedErr(path, err)
		}
	}

	if len(dst) == 0 {
		return nil
	}

	n, err := readFullInto(f, dst)
	if err != nil {
		return malformedErr(path, err)
	}

	if n != len(dst) {
		return malformedErr(path, fmt.Errorf("read %d bytes, want %d", n, len(dst)))
	}

	return nil
}

func readFullInto(f *os.File, dst []byte) (int, error) {
	total := 0
	for total < len(dst) {
		n, err := f.Read(dst[total:])
		total += n
		if err != nil {
			return total, err
		}
	}

	return total, nil
}

func fillGraphNodeList(dst []byte, paths SourcePaths) error {
	return readFull(paths.HSGRPath, 12, dst)
}

func fillGraphEdgeList(dst []byte, paths SourcePaths) error {
	return readFull(paths.HSGRPath, hsgrOffsetAfterNodes(paths), dst)
}

// hsgrOffsetAfterNodes locates the byte offset of GraphEdgeList within
// HSGRPath: past the 12-byte header and the GraphNodeList array (numNodes+1
// uint32 entries).
func hsgrOffsetAfterNodes(paths SourcePaths) int64 {
	numNodes, _, err := hsgrHeaderCounts(paths.HSGRPath)
	if err != nil {
		return 12
	}

	return 12 + int64(numNodes+1)*4
}

func hsgrHeaderCounts(path string) (numNodes, numEdges uint64, err error) {
	_, numNodes, numEdges, err = readHSGRCounts(path)
	return numNodes, numEdges, err
}

func fillTurnInstruction(dst []byte, paths SourcePaths) error {
	numNodes, numEdges, err := hsgrHeaderCounts(paths.HSGRPath)
	if err != nil {
		return err
	}

	offset := 12 + int64(numNodes+1)*4 + int64(numEdges)*int64(dataset.GraphEdgeSize)

	return readFull(paths.HSGRPath, offset, dst)
}

func fillTravelMode(dst []byte, paths SourcePaths) error {
	numNodes, numEdges, err := hsgrHeaderCounts(paths.HSGRPath)
	if err != nil {
		return err
	}

	offset := 12 + int64(numNodes+1)*4 + int64(numEdges)*int64(dataset.GraphEdgeSize) + int64(numEdges)

	return readFull(paths.HSGRPath, offset, dst)
}

func fillHSGRChecksum(dst []byte, paths SourcePaths) error {
	checksum, _, _, err := readHSGRCounts(paths.HSGRPath)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(dst, checksum)

	return nil
}

func fillCoordinateList(dst []byte, paths SourcePaths) error {
	return readFull(paths.NodesPath, 8, dst)
}

func namesHeaderCounts(path string) (numNames uint64, charTotal uint64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, missingErr(path, err)
	}
	defer f.Close()

	var n uint32
	if err := binary.Read(f, binary.LittleEndian, &n); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	offsets := make([]uint32, n+1)
	if err := binary.Read(f, binary.LittleEndian, &offsets); err != nil {
		return 0, 0, malformedErr(path, err)
	}

	total := uint64(0)
	if len(offsets) > 0 {
		total = uint64(offsets[len(offsets)-1])
	}

	return uint64(n), total, nil
}

func fillNameOffsets(dst []byte, paths SourcePaths) error {
	return readFull(paths.NamesPath, 4, dst)
}

func fillNameBlocks(dst []byte, paths SourcePaths) error {
	numNames, _, err := namesHeaderCounts(paths.NamesPath)
	if err != nil {
		return err
	}

	offset := int64(4) + int64(numNames+1)*4

	return readFull(paths.NamesPath, offset, dst)
}

func fillNameCharList(dst []byte, paths SourcePaths) error {
	numNames, _, err := namesHeaderCounts(paths.NamesPath)
	if err != nil {
		return err
	}

	offset := int64(4) + int64(numNames+1)*4 + int64(numNames)*4

	return readFull(paths.NamesPath, offset, dst)
}

func fillNameIDList(dst []byte, paths SourcePaths) error {
	numNames, charTotal, err := namesHeaderCounts(paths.NamesPath)
	if err != nil {
		return err
	}

	offset := int64(4) + int64(numNames+1)*4 + int64(numNames)*4 + int64(charTotal) + 4

	return readFull(paths.NamesPath, offset, dst)
}

func fillGeometriesIndex(dst []byte, paths SourcePaths) error {
	return readFull(paths.GeometryPath, 4, dst)
}

func geometryHeaderCounts(path string) (numEdges uint64, err error) {
	numEdges, _, err = readGeometryCounts(path)
	return numEdges, err
}

func fillGeometriesList(dst []byte, paths SourcePaths) error {
	numEdges, err := geometryHeaderCounts(paths.GeometryPath)
	if err != nil {
		return err
	}

	offset := int64(4) + int64(numEdges+1)*4 + 4

	return readFull(paths.GeometryPath, offset, dst)
}

func fillGeometriesIndicators(dst []byte, paths SourcePaths) error {
	numEdges, numPts, err := readGeometryCounts(paths.GeometryPath)
	if err != nil {
		return err
	}

	offset := int64(4) + int64(numEdges+1)*4 + 4 + int64(numPts)*int64(dataset.CoordinateSize)

	return readFull(paths.GeometryPath, offset, dst)
}

func fillTimestamp(dst []byte, paths SourcePaths) error {
	f, err := os.Open(paths.TimestampPath)
	if err != nil {
		return missingErr(paths.TimestampPath, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return malformedErr(paths.TimestampPath, fmt.Errorf("empty timestamp file"))
	}

	v, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32)
	if err != nil {
		return malformedErr(paths.TimestampPath, err)
	}

	binary.LittleEndian.PutUint32(dst, uint32(v))

	return nil
}

func fillRSearchTree(dst []byte, paths SourcePaths) error {
	return readFull(paths.RTreeNodesPath, 0, dst)
}

func fillFileIndexPath(dst []byte, paths SourcePaths) error {
	copy(dst, paths.RTreeLeafFilePath)

	return nil
}

func fillCoreMarker(dst []byte, paths SourcePaths) error {
	if paths.CoreMarkerPath == "" {
		for i := range dst {
			dst[i] = 0
		}

		return nil
	}

	return readFull(paths.CoreMarkerPath, 4, dst)
}

func fillViaNodeList(dst []byte, paths SourcePaths) error {
	if paths.RestrictionsPath == "" {
		return nil
	}

	return readFull(paths.RestrictionsPath, 4, dst)
}
