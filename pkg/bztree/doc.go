// Package bztree provides the node-level surface a BzTree builds on top of
// [pmwcas]: status and record-metadata word packing, node freezing, and the
// two-word insert reservation protocol.
//
// The tree itself - node layout beyond the header, splits and merges,
// search, range scans - lives with the tree implementation, not here. This
// package only owns the words that must be mutated through PMwCAS and the
// multi-word updates over them.
//
// All packed words keep bits 61-63 clear; those carry the PMwCAS tags.
package bztree
