package gbptree

import "encoding/binary"

/*
	Tree node page layout

	00: pageType byte
	01: flags    byte // leaf bit
	02: format   byte
	04: keys     uint32
	08: gen      uint32 // generation the node was written in
	0c: heap     uint16 // dynamic format: start of the key-value heap
	0e: dead     uint16 // dynamic format: bytes of removed entries still in the heap
	10: successor     gspp
	28: right sibling gspp
	40: left sibling  gspp
	58: format specific data
*/

const NilPage = -1

// MinValidID is the lowest page id a pointer may refer to.
// Pages 0 and 1 are the state pages.
const MinValidID int64 = 2

const (
	pageTypeTreeNode byte = 1 + iota
	pageTypeFreelist
	pageTypeOffload
)

const (
	nodeFlagLeaf = 1 << iota
)

const (
	nodeOffType      = 0x00
	nodeOffFlags     = 0x01
	nodeOffFormat    = 0x02
	nodeOffKeys      = 0x04
	nodeOffGen       = 0x08
	nodeOffHeap      = 0x0c
	nodeOffDead      = 0x0e
	nodeOffSuccessor = 0x10
	nodeOffRight     = nodeOffSuccessor + gsppSize
	nodeOffLeft      = nodeOffRight + gsppSize
	nodeHeaderSize   = nodeOffLeft + gsppSize
)

func pageType(p []byte) byte { return p[nodeOffType] }

func isLeaf(p []byte) bool { return p[nodeOffFlags]&nodeFlagLeaf != 0 }

func nodeFormatID(p []byte) byte { return p[nodeOffFormat] }

func keyCount(p []byte) int {
	return int(binary.BigEndian.Uint32(p[nodeOffKeys:]))
}

func setKeyCount(p []byte, n int) {
	binary.BigEndian.PutUint32(p[nodeOffKeys:], uint32(n))
}

func nodeGen(p []byte) int64 {
	return int64(binary.BigEndian.Uint32(p[nodeOffGen:]))
}

func setNodeGen(p []byte, gen int64) {
	binary.BigEndian.PutUint32(p[nodeOffGen:], uint32(gen))
}

func successorGSPP(p []byte) []byte { return p[nodeOffSuccessor : nodeOffSuccessor+gsppSize] }
func rightGSPP(p []byte) []byte     { return p[nodeOffRight : nodeOffRight+gsppSize] }
func leftGSPP(p []byte) []byte      { return p[nodeOffLeft : nodeOffLeft+gsppSize] }

func siblingGSPP(p []byte, right bool) []byte {
	if right {
		return rightGSPP(p)
	}

	return leftGSPP(p)
}

// initNode zeroes the page and writes the header of an empty node.
func initNode(p []byte, leaf bool, format byte, gen int64) {
	for i := range p {
		p[i] = 0
	}

	p[nodeOffType] = pageTypeTreeNode
	if leaf {
		p[nodeOffFlags] = nodeFlagLeaf
	}
	p[nodeOffFormat] = format

	setNodeGen(p, gen)
}

// nodeGSPPs calls f for every generation safe pointer pair in the node header.
func nodeGSPPs(p []byte, f func(name string, gspp []byte)) {
	f("successor", successorGSPP(p))
	f("right", rightGSPP(p))
	f("left", leftGSPP(p))
}
