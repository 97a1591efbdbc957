package catalog

import (
	"crypto/sha256"
	"encoding/hex"
)

// ObfuscateSerial returns the one-way component id sent to the catalog in
// place of the serial number. Module ids salt the hash so a module and its
// host component never share an id.
func ObfuscateSerial(serial, moduleID string) string {
	salt := ""
	if moduleID != "" {
		salt = "m:" + moduleID
	}
	sum := sha256.Sum256([]byte(salt + serial))
	return hex.EncodeToString(sum[:])
}
