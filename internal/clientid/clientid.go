// Package clientid generates the short client identifiers handed out at
// handshake. They are practically unique within a deployment but carry no
// security guarantees.
package clientid

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"strconv"
	"sync/atomic"
	"time"
)

// Length is the number of hex characters in a client id.
const Length = 8

var (
	hostname = func() string {
		h, _ := os.Hostname()
		return h
	}()
	seq atomic.Uint64
)

// New returns a fresh client id. It never fails.
func New() string {
	buf := make([]byte, 0, 64)
	buf = strconv.AppendInt(buf, time.Now().UnixNano(), 10)
	buf = strconv.AppendInt(buf, int64(os.Getpid()), 10)
	buf = append(buf, hostname...)
	// two calls inside one clock tick must still differ
	buf = strconv.AppendUint(buf, seq.Add(1), 10)
	sum := sha1.Sum(buf)
	return hex.EncodeToString(sum[:])[:Length]
}
