// Package dataset holds the small, fixed-width record types shared by
// pkg/sourcereader (which writes them) and pkg/datafacade (which reads
// them back out of a mapped data region). Keeping them in their own
// package avoids a sourcereader<->datafacade import cycle.
package dataset

// Coordinate is a fixed-point WGS84 coordinate, scaled the way OSRM's own
// on-disk format scales them (degrees * 1e6, fitting in an int32).
type Coordinate struct {
	Lat int32
	Lon int32
}

// CoordinateSize is the encoded byte width of a Coordinate.
const CoordinateSize = 8

// GraphEdge is one directed edge of the contracted routing graph: the
// target node index and the edge's traversal weight. Per-edge name,
// turn-instruction, and travel-mode attributes live in their own parallel
// blocks (NameIDList, TurnInstruction, TravelMode) rather than inline here,
// matching the original block layout.
type GraphEdge struct {
	Target uint32
	Weight uint32
}

// GraphEdgeSize is the encoded byte width of a GraphEdge.
const GraphEdgeSize = 8
