package crypto

import "errors"

const padBlock = 64

var errBadPadding = errors.New("bad padding")

// pad appends 0x80 and zero bytes up to the next multiple of padBlock.
func pad(msg []byte) []byte {
	n := (len(msg)/padBlock + 1) * padBlock
	out := make([]byte, n)
	copy(out, msg)
	out[len(msg)] = 0x80
	return out
}

func unpad(padded []byte) ([]byte, error) {
	if len(padded) == 0 || len(padded)%padBlock != 0 {
		return nil, errBadPadding
	}
	for i := len(padded) - 1; i >= 0; i-- {
		switch padded[i] {
		case 0:
			continue
		case 0x80:
			return padded[:i], nil
		default:
			return nil, errBadPadding
		}
	}
	return nil, errBadPadding
}
