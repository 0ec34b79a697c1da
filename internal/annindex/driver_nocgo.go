//go:build !cgo

package annindex

import (
	_ "modernc.org/sqlite"
)

// Pure-Go builds fall back to the modernc driver. sqlite-vec is not
// available there; Search uses the brute-force path.
const driverName = "sqlite"
