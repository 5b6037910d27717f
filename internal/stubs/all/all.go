// Package all imports every stub package so each registers via init().
//
//	import _ "github.com/zboralski/newlibshim/internal/stubs/all"
package all

import (
	_ "github.com/zboralski/newlibshim/internal/stubs/newlib"
)
