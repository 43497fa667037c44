package zipaes

import (
	"crypto/aes"
	"crypto/cipher"
)

// leCTR is AES-CTR with a little-endian block counter starting at 1, as the WinZip AES scheme prescribes.
// crypto/cipher.NewCTR counts big-endian and cannot be reused here.
type leCTR struct {
	block     cipher.Block
	counter   [aes.BlockSize]byte
	keystream [aes.BlockSize]byte
	used      int
}

func newLECTR(block cipher.Block) *leCTR {
	c := &leCTR{block: block, used: aes.BlockSize}
	c.counter[0] = 1
	return c
}

// XORKeyStream xors src into dst. dst and src may be the same slice.
func (c *leCTR) XORKeyStream(dst, src []byte) {
	for len(src) > 0 {
		if c.used == aes.BlockSize {
			c.block.Encrypt(c.keystream[:], c.counter[:])
			c.used = 0
			for i := 0; i < aes.BlockSize; i++ {
				c.counter[i]++
				if c.counter[i] != 0 {
					break
				}
			}
		}

		n := min(len(src), aes.BlockSize-c.used)
		for i := 0; i < n; i++ {
			dst[i] = src[i] ^ c.keystream[c.used+i]
		}
		c.used += n
		dst, src = dst[n:], src[n:]
	}
}
