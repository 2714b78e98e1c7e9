// Copyright (C) 2024 The Ramen Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package graph

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// engineVersion is folded into every signature so that a binary compiled
// by an older engine build is never mistaken for a cache hit (spec.md
// §4.C "Signature": "operation AST ... input schema, output schema,
// engine version tag").
const engineVersion = "ramen-engine-v1"

// signature hashes a node's canonical printed form with blake2b, the way
// the teacher hashes compiled plan trees for its query cache key (see
// DESIGN.md: blake2b chosen for signature hashing, siphash reserved for
// the novelty filter's keyed slice hashes).
func signature(n *Node) string {
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%s\x00%s\x00%s\x00%s", engineVersion, n.Operation.String(), n.inSchema.String(), n.outSchema.String())
	return hex.EncodeToString(h.Sum(nil))
}
