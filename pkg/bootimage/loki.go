/*
Copyright © 2024 - 2026 the multibootd authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package bootimage

import (
	"encoding/binary"
	"fmt"

	"github.com/chenxiaolong/multibootd/pkg/constants"
)

// ramdiskAddrOffset is the byte offset of the ramdisk load address field
// relative to the start of the header (magic[8] + kernelSize[4] +
// kernelAddr[4] + ramdiskSize[4]).
const ramdiskAddrOffset = 8 + 4 + 4 + 4

// Loki-patched images (spec.md §4.2/Glossary) work around locked
// bootloaders by zeroing the ramdisk load address the bootloader's
// signature check inspects, then stashing the real value plus a
// reference to the aboot partition in a recovery block at a fixed,
// vendor-specific offset so the plain image can be reconstructed later.
func reconstructLokiHeader(bi *BootImage, data []byte, headerStart int) error {
	blockStart := headerStart + constants.LokiMagicOffset + len(constants.LokiMagic)
	if blockStart+8 > len(data) {
		return fmt.Errorf("bootimage: truncated loki recovery block")
	}
	origRamdiskAddr := binary.LittleEndian.Uint32(data[blockStart : blockStart+4])
	abootLen := binary.LittleEndian.Uint32(data[blockStart+4 : blockStart+8])

	bi.Header.RamdiskAddr = origRamdiskAddr

	if abootLen > 0 {
		if int(abootLen) > len(data) {
			return fmt.Errorf("bootimage: loki aboot length %d exceeds image size", abootLen)
		}
		bi.AbootImage = append([]byte(nil), data[len(data)-int(abootLen):]...)
	}
	return nil
}

// applyLoki re-applies the Loki envelope to a freshly serialised plain
// image: zero the ramdisk address field the bootloader inspects, stash
// the real value and the aboot reference in the recovery block, and
// append the aboot bytes so they can be recovered on the next parse.
func applyLoki(plain []byte, aboot []byte, pageSize uint32) []byte {
	out := append([]byte(nil), plain...)

	origRamdiskAddr := binary.LittleEndian.Uint32(out[ramdiskAddrOffset : ramdiskAddrOffset+4])
	binary.LittleEndian.PutUint32(out[ramdiskAddrOffset:ramdiskAddrOffset+4], 0)

	blockOff := constants.LokiMagicOffset
	for blockOff+8+len(constants.LokiMagic) > len(out) {
		out = append(out, make([]byte, int(pageSize))...)
	}
	copy(out[blockOff:], constants.LokiMagic)
	binary.LittleEndian.PutUint32(out[blockOff+len(constants.LokiMagic):], origRamdiskAddr)
	binary.LittleEndian.PutUint32(out[blockOff+len(constants.LokiMagic)+4:], uint32(len(aboot)))

	out = append(out, aboot...)
	return out
}
