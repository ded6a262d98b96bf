// Copyright (C) 2025 sealdrop <dev@sealdrop.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"container/heap"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedStream signals a compressed stream that cannot be decoded
// against its tree: truncated header, impossible pad count, or a bit
// path that walks off the tree.
var ErrMalformedStream = errors.New("huffman: malformed compressed stream")

// CodeTree is a Huffman tree laid out as a flat node arena. Leaves have
// Value >= 0 and no children; internal nodes have Value == -1 and both
// children set. Child fields index into Nodes, -1 meaning absent.
type CodeTree struct {
	Nodes []treeNode `json:"nodes"`
	Root  int32      `json:"root"`
}

type treeNode struct {
	Value int32  `json:"v"`
	Freq  uint64 `json:"f"`
	Left  int32  `json:"l"`
	Right int32  `json:"r"`
}

// MarshalBinary serializes the tree so a separate process can decode
// the stream later.
func (t *CodeTree) MarshalBinary() ([]byte, error) {
	return json.Marshal(t)
}

// UnmarshalCodeTree reverses MarshalBinary.
func UnmarshalCodeTree(blob []byte) (*CodeTree, error) {
	var t CodeTree
	if err := json.Unmarshal(blob, &t); err != nil {
		return nil, fmt.Errorf("huffman: bad tree blob: %w", err)
	}
	if int(t.Root) >= len(t.Nodes) || t.Root < 0 {
		return nil, fmt.Errorf("huffman: bad tree blob: root out of range")
	}
	return &t, nil
}

// nodeHeap orders pending subtrees by frequency; seq breaks ties by
// insertion order so merges are deterministic.
type heapEntry struct {
	idx  int32
	freq uint64
	seq  int
}

type nodeHeap []heapEntry

func (h nodeHeap) Len() int { return len(h) }
func (h nodeHeap) Less(i, j int) bool {
	if h[i].freq != h[j].freq {
		return h[i].freq < h[j].freq
	}
	return h[i].seq < h[j].seq
}
func (h nodeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *nodeHeap) Push(x interface{}) { *h = append(*h, x.(heapEntry)) }
func (h *nodeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

func buildTree(freq *[256]uint64) *CodeTree {
	t := &CodeTree{}
	h := &nodeHeap{}
	seq := 0
	for b := 0; b < 256; b++ {
		if freq[b] == 0 {
			continue
		}
		t.Nodes = append(t.Nodes, treeNode{Value: int32(b), Freq: freq[b], Left: -1, Right: -1})
		heap.Push(h, heapEntry{idx: int32(len(t.Nodes) - 1), freq: freq[b], seq: seq})
		seq++
	}
	for h.Len() > 1 {
		left := heap.Pop(h).(heapEntry)
		right := heap.Pop(h).(heapEntry)
		merged := treeNode{Value: -1, Freq: left.freq + right.freq, Left: left.idx, Right: right.idx}
		t.Nodes = append(t.Nodes, merged)
		heap.Push(h, heapEntry{idx: int32(len(t.Nodes) - 1), freq: merged.Freq, seq: seq})
		seq++
	}
	t.Root = (*h)[0].idx
	return t
}

// codes walks the tree assigning "0" to left edges and "1" to right
// edges. A single-leaf tree gets the code "0" so every symbol still
// emits at least one bit.
func (t *CodeTree) codes() [256]string {
	var table [256]string
	root := t.Nodes[t.Root]
	if root.Value >= 0 {
		table[root.Value] = "0"
		return table
	}
	type frame struct {
		idx  int32
		code string
	}
	stack := []frame{{t.Root, ""}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n := t.Nodes[f.idx]
		if n.Value >= 0 {
			table[n.Value] = f.code
			continue
		}
		stack = append(stack, frame{n.Left, f.code + "0"}, frame{n.Right, f.code + "1"})
	}
	return table
}

// Compress Huffman-encodes data. The result is a one-byte pad-bit count
// (0-7) followed by the code bits packed MSB first. Empty input yields
// a nil stream and no tree. The returned tree is required to decompress
// and must travel with the stream.
func Compress(data []byte) ([]byte, *CodeTree) {
	if len(data) == 0 {
		return nil, nil
	}

	var freq [256]uint64
	for _, b := range data {
		freq[b]++
	}
	tree := buildTree(&freq)
	table := tree.codes()

	var bits uint
	for _, b := range data {
		bits += uint(len(table[b]))
	}
	pad := (8 - bits%8) % 8

	out := make([]byte, 1, 1+(bits+pad)/8)
	out[0] = byte(pad)
	var cur byte
	var nbits uint
	for _, b := range data {
		for _, c := range table[b] {
			cur <<= 1
			if c == '1' {
				cur |= 1
			}
			nbits++
			if nbits == 8 {
				out = append(out, cur)
				cur, nbits = 0, 0
			}
		}
	}
	if nbits > 0 {
		out = append(out, cur<<(8-nbits))
	}
	return out, tree
}

// Decompress reverses Compress. A nil stream or nil tree yields empty
// output. Streams that do not decode cleanly against the tree return
// ErrMalformedStream.
func Decompress(stream []byte, tree *CodeTree) ([]byte, error) {
	if len(stream) == 0 || tree == nil {
		return nil, nil
	}
	pad := uint(stream[0])
	total := uint(len(stream)-1) * 8
	if pad > 7 || pad > total {
		return nil, ErrMalformedStream
	}
	bits := total - pad

	root := tree.Nodes[tree.Root]
	if root.Value >= 0 {
		// Single-symbol input: the bit count is the symbol count. If the
		// stream carries no bits, fall back to the recorded frequency —
		// the only remaining record of the original length.
		n := int(bits)
		if n <= 0 {
			n = int(root.Freq)
		}
		out := make([]byte, n)
		for i := range out {
			out[i] = byte(root.Value)
		}
		return out, nil
	}

	out := make([]byte, 0, bits/2)
	cur := tree.Root
	for i := uint(0); i < bits; i++ {
		b := stream[1+i/8]
		bit := (b >> (7 - i%8)) & 1
		n := tree.Nodes[cur]
		if bit == 0 {
			cur = n.Left
		} else {
			cur = n.Right
		}
		if cur < 0 || int(cur) >= len(tree.Nodes) {
			return nil, ErrMalformedStream
		}
		if tree.Nodes[cur].Value >= 0 {
			out = append(out, byte(tree.Nodes[cur].Value))
			cur = tree.Root
		}
	}
	if cur != tree.Root {
		// Bits ran out mid-code: stream and tree do not match.
		return nil, ErrMalformedStream
	}
	return out, nil
}
