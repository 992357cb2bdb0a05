// Copyright 2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package unetpp

import "fmt"

// NodeID identifies a lattice node x(i,j): I indexes the downsampling level
// along the encoder, J the layer along the skip connection. The node map is
// keyed by this struct; the string form is used only for layer scope names.
type NodeID struct {
	I, J int
}

// String returns the canonical node name, e.g. NodeID{1, 2} -> "12".
func (id NodeID) String() string {
	return fmt.Sprintf("%d%d", id.I, id.J)
}
