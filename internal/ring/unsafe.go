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

package ring

import "unsafe"

// ptrAt returns a pointer to the uint32 at byte offset off within mem, for
// use with sync/atomic. mem is backed by an mmap'd region, so it is always
// at least word-aligned.
func ptrAt(mem []byte, off uint32) unsafe.Pointer {
	return unsafe.Pointer(&mem[off])
}
