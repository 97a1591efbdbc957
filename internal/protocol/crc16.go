package protocol

// CRC16 returns the checksum the device uses to verify firmware images.
// The initial value is 0; CRC16("Hello") is 52182.
func CRC16(data []byte) uint16 {
	return UpdateCRC16(0, data)
}

// UpdateCRC16 extends a running checksum with data, so that
// UpdateCRC16(CRC16(a), b) == CRC16(append(a, b...)).
func UpdateCRC16(crc uint16, data []byte) uint16 {
	c := uint32(crc)
	for _, b := range data {
		c = ((c >> 8) & 0xFF) | (c << 8)
		c ^= uint32(b)
		c ^= (c & 0xFF) >> 4
		c ^= ((c << 8) << 4) & 0xFFFF
		c ^= ((c & 0xFF) << 4) << 1
		c &= 0xFFFF
	}
	return uint16(c)
}
