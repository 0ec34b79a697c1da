//go:build cgo

package annindex

import (
	vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

func init() {
	// Register sqlite-vec as an auto-loadable extension for every new
	// connection opened through the mattn driver.
	vec.Auto()
}
