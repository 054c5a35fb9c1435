package secrets

import (
	"encoding/binary"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint - отпечаток учётных данных тенанта на маркетплейсе.
// Любое изменение login/secret/blob даёт новый отпечаток, и оркестратор
// перезапускает воркер тенанта.
func Fingerprint(login, secret string, blob []byte) string {
	h, _ := blake2b.New256(nil) // без ключа ошибки не бывает
	for _, part := range [][]byte{[]byte(login), []byte(secret), blob} {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(part)))
		h.Write(n[:])
		h.Write(part)
	}
	return hex.EncodeToString(h.Sum(nil))
}
