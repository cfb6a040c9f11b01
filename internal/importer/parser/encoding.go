package parser

import "unicode/utf8"

// DecodeText normalizes uploaded text bytes to UTF-8 using the fallback
// chain UTF-8 -> UTF-8 with BOM -> Latin-1.
func DecodeText(data []byte) []byte {
	data = stripBOM(data)
	if utf8.Valid(data) {
		return data
	}
	return decodeLatin1(data)
}

func stripBOM(data []byte) []byte {
	if len(data) >= 3 && data[0] == 0xEF && data[1] == 0xBB && data[2] == 0xBF {
		return data[3:]
	}
	return data
}

// decodeLatin1 maps each byte to the code point of the same value, which is
// exactly the ISO-8859-1 table.
func decodeLatin1(data []byte) []byte {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return []byte(string(runes))
}
