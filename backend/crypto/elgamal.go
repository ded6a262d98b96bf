// Copyright (C) 2025 sealdrop <dev@sealdrop.net>
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package crypto

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
)

// ElGamal over Z*p at demo scale. The modulus size, the fixed generator
// candidates and the Fermat-based inverse are part of the functional
// contract; a 32-byte AES key does not fit under a 256-bit modulus, so
// wrapping a key always takes the multi-block path.
const (
	// DefaultModulusBits sizes the prime modulus.
	DefaultModulusBits = 256
	// primalityRounds is the Miller-Rabin round count.
	primalityRounds = 10
)

var (
	// ErrDataTooLarge means a block's integer value reached the modulus.
	ErrDataTooLarge = errors.New("elgamal: data too large for key size")
	// ErrBadCiphertext means the ciphertext container did not parse.
	ErrBadCiphertext = errors.New("elgamal: malformed ciphertext")

	smallGenerators = []int64{2, 3, 5, 7, 11, 13, 17, 19, 23}
	one             = big.NewInt(1)
	two             = big.NewInt(2)
)

// ElGamalPublicKey is the public half (p, g, y) with y = g^x mod p.
type ElGamalPublicKey struct {
	P *big.Int `json:"p"`
	G *big.Int `json:"g"`
	Y *big.Int `json:"y"`
}

// ElGamalPrivateKey is the private half (p, g, x).
type ElGamalPrivateKey struct {
	P *big.Int `json:"p"`
	G *big.Int `json:"g"`
	X *big.Int `json:"x"`
}

func (k *ElGamalPublicKey) MarshalBinary() ([]byte, error)  { return json.Marshal(k) }
func (k *ElGamalPrivateKey) MarshalBinary() ([]byte, error) { return json.Marshal(k) }

func UnmarshalElGamalPrivateKey(blob []byte) (*ElGamalPrivateKey, error) {
	var k ElGamalPrivateKey
	if err := json.Unmarshal(blob, &k); err != nil {
		return nil, fmt.Errorf("elgamal: bad private key blob: %w", err)
	}
	if k.P == nil || k.G == nil || k.X == nil {
		return nil, fmt.Errorf("elgamal: incomplete private key blob")
	}
	return &k, nil
}

// cipherBlock is one encrypted block. Len records the plaintext byte
// length so decryption can restore leading zero bytes the integer form
// drops.
type cipherBlock struct {
	C1  *big.Int `json:"c1"`
	C2  *big.Int `json:"c2"`
	Len int      `json:"len"`
}

// cipherContainer tags the ciphertext with its block list explicitly,
// so decryption never has to sniff single- vs multi-block form.
type cipherContainer struct {
	Blocks []cipherBlock `json:"blocks"`
}

// GenerateElGamalKeyPair samples a prime modulus of the given bit
// length, picks a generator and a uniform private exponent in
// [1, p-2], and derives the public residue.
func GenerateElGamalKeyPair(bits int) (*ElGamalPublicKey, *ElGamalPrivateKey, error) {
	if bits < 16 {
		return nil, nil, fmt.Errorf("elgamal: modulus of %d bits is too small", bits)
	}
	p, err := generatePrime(bits)
	if err != nil {
		return nil, nil, err
	}
	g, err := findGenerator(p)
	if err != nil {
		return nil, nil, err
	}

	// x uniform in [1, p-2].
	pMinus2 := new(big.Int).Sub(p, two)
	x, err := rand.Int(rand.Reader, pMinus2)
	if err != nil {
		return nil, nil, fmt.Errorf("elgamal: %w", err)
	}
	x.Add(x, one)

	y := new(big.Int).Exp(g, x, p)
	pub := &ElGamalPublicKey{P: p, G: g, Y: y}
	priv := &ElGamalPrivateKey{P: p, G: g, X: x}
	return pub, priv, nil
}

// EncryptElGamal wraps data under the public key, splitting it into
// blocks sized to the modulus capacity when it does not fit in one.
func EncryptElGamal(data []byte, pub *ElGamalPublicKey) ([]byte, error) {
	maxBlock := (pub.P.BitLen() - 1) / 8
	if maxBlock < 1 {
		return nil, ErrDataTooLarge
	}

	var container cipherContainer
	for off := 0; off < len(data); off += maxBlock {
		end := off + maxBlock
		if end > len(data) {
			end = len(data)
		}
		blk, err := encryptBlock(data[off:end], pub)
		if err != nil {
			return nil, err
		}
		container.Blocks = append(container.Blocks, blk)
	}
	return json.Marshal(container)
}

func encryptBlock(block []byte, pub *ElGamalPublicKey) (cipherBlock, error) {
	m := new(big.Int).SetBytes(block)
	if m.Cmp(pub.P) >= 0 {
		return cipherBlock{}, ErrDataTooLarge
	}

	// k fresh and uniform in [1, p-2] per block.
	pMinus2 := new(big.Int).Sub(pub.P, two)
	k, err := rand.Int(rand.Reader, pMinus2)
	if err != nil {
		return cipherBlock{}, fmt.Errorf("elgamal: %w", err)
	}
	k.Add(k, one)

	c1 := new(big.Int).Exp(pub.G, k, pub.P)
	c2 := new(big.Int).Exp(pub.Y, k, pub.P)
	c2.Mul(c2, m).Mod(c2, pub.P)
	return cipherBlock{C1: c1, C2: c2, Len: len(block)}, nil
}

// DecryptElGamal reverses EncryptElGamal, concatenating the recovered
// blocks in order.
func DecryptElGamal(blob []byte, priv *ElGamalPrivateKey) ([]byte, error) {
	var container cipherContainer
	if err := json.Unmarshal(blob, &container); err != nil {
		return nil, ErrBadCiphertext
	}
	if len(container.Blocks) == 0 {
		return nil, ErrBadCiphertext
	}

	var out []byte
	for _, blk := range container.Blocks {
		plain, err := decryptBlock(blk, priv)
		if err != nil {
			return nil, err
		}
		out = append(out, plain...)
	}
	return out, nil
}

func decryptBlock(blk cipherBlock, priv *ElGamalPrivateKey) ([]byte, error) {
	if blk.C1 == nil || blk.C2 == nil || blk.Len < 0 {
		return nil, ErrBadCiphertext
	}
	// Shared secret and its inverse via Fermat's little theorem.
	s := new(big.Int).Exp(blk.C1, priv.X, priv.P)
	sInv := new(big.Int).Exp(s, new(big.Int).Sub(priv.P, two), priv.P)
	m := new(big.Int).Mul(blk.C2, sInv)
	m.Mod(m, priv.P)

	plain := minimalBytes(m)
	if blk.Len > len(plain) {
		padded := make([]byte, blk.Len)
		copy(padded[blk.Len-len(plain):], plain)
		plain = padded
	}
	return plain, nil
}

// minimalBytes converts to the shortest big-endian form; an all-zero
// value still yields one zero byte rather than an empty string.
func minimalBytes(m *big.Int) []byte {
	if m.Sign() == 0 {
		return []byte{0}
	}
	return m.Bytes()
}

// generatePrime samples random odd numbers of exactly the requested bit
// length (top and bottom bits forced to 1) until one passes the
// primality test.
func generatePrime(bits int) (*big.Int, error) {
	buf := make([]byte, (bits+7)/8)
	mask := new(big.Int).Lsh(one, uint(bits))
	mask.Sub(mask, one)
	for {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("elgamal: %w", err)
		}
		n := new(big.Int).SetBytes(buf)
		// Trim to the requested width, then force MSB and LSB.
		n.And(n, mask)
		n.SetBit(n, bits-1, 1)
		n.SetBit(n, 0, 1)
		if isProbablyPrime(n, primalityRounds) {
			return n, nil
		}
	}
}

// isProbablyPrime is a Miller-Rabin test with k random witnesses.
func isProbablyPrime(n *big.Int, k int) bool {
	if n.Cmp(two) == 0 || n.Cmp(big.NewInt(3)) == 0 {
		return true
	}
	if n.Cmp(two) < 0 || n.Bit(0) == 0 {
		return false
	}

	// n-1 = d * 2^r with d odd.
	nMinus1 := new(big.Int).Sub(n, one)
	d := new(big.Int).Set(nMinus1)
	r := 0
	for d.Bit(0) == 0 {
		d.Rsh(d, 1)
		r++
	}

	nMinus3 := new(big.Int).Sub(n, big.NewInt(3))
	x := new(big.Int)
	for i := 0; i < k; i++ {
		a, err := rand.Int(rand.Reader, nMinus3)
		if err != nil {
			return false
		}
		a.Add(a, two) // witness in [2, n-2]

		x.Exp(a, d, n)
		if x.Cmp(one) == 0 || x.Cmp(nMinus1) == 0 {
			continue
		}
		composite := true
		for j := 0; j < r-1; j++ {
			x.Exp(x, two, n)
			if x.Cmp(nMinus1) == 0 {
				composite = false
				break
			}
		}
		if composite {
			return false
		}
	}
	return true
}

// findGenerator picks g with g^((p-1)/2) != 1 mod p: the fixed small
// candidates first, then random ones, then 2 as a last resort.
func findGenerator(p *big.Int) (*big.Int, error) {
	exp := new(big.Int).Rsh(new(big.Int).Sub(p, one), 1)
	res := new(big.Int)
	for _, c := range smallGenerators {
		g := big.NewInt(c)
		if res.Exp(g, exp, p).Cmp(one) != 0 {
			return g, nil
		}
	}
	pMinus2 := new(big.Int).Sub(p, two)
	for i := 0; i < 100; i++ {
		g, err := rand.Int(rand.Reader, pMinus2)
		if err != nil {
			return nil, fmt.Errorf("elgamal: %w", err)
		}
		g.Add(g, two)
		if res.Exp(g, exp, p).Cmp(one) != 0 {
			return g, nil
		}
	}
	return big.NewInt(2), nil
}
