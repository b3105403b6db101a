package log

import (
	"runtime"
	"strconv"
	"strings"
)

var _unknownCallerInfo = &callerInfo{info: "unknown"}

// callerInfo is the preformatted "pkg/file.go:line func" of one call site.
type callerInfo struct {
	info string
}

// resolveCaller formats the call site at pc, keeping the last directory of file
// and the bare function name.
func resolveCaller(pc uintptr, file string, line int) *callerInfo {
	function := "unknown"
	if fn := runtime.FuncForPC(pc); fn != nil {
		function = fn.Name()
		if i := strings.LastIndexByte(function, '.'); i != -1 {
			function = function[i+1:]
		}
	}
	if i := strings.LastIndexByte(file, '/'); i > 0 {
		if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
			file = file[j+1:]
		}
	}
	return &callerInfo{info: file + ":" + strconv.Itoa(line) + " " + function}
}

func (c *callerInfo) String() string {
	return c.info
}
