package socks5

import "io"

// readByte reads exactly one byte from r.
func readByte(r io.Reader) (uint8, error) {
	var buf [1]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// readFull reads exactly n bytes from r. A short read is reported as
// io.ErrUnexpectedEOF (or io.EOF when nothing was read), never as partial data.
func readFull(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
