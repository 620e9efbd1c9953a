// Command airnse is built with -buildmode=c-shared and loaded by the host's
// notification extension. Strings returned to the host are owned by it and
// must be released with free_string.
package main

/*
#include <stdlib.h>
*/
import "C"

import (
	"unsafe"

	"github.com/phnx-im/air-sub001/internal/bridge"
)

//export process_new_messages
func process_new_messages(content *C.char) *C.char {
	if content == nil {
		return nil
	}
	out := bridge.Process(C.GoString(content))
	if out == "" {
		return nil
	}
	return C.CString(out)
}

//export free_string
func free_string(s *C.char) {
	if s != nil {
		C.free(unsafe.Pointer(s))
	}
}

//export init_background_logger
func init_background_logger(path *C.char) C.int {
	if path == nil {
		return -1
	}
	if err := bridge.InitLogger(C.GoString(path)); err != nil {
		return -1
	}
	return 0
}

//export air_log
func air_log(level, msg *C.char) {
	if level == nil || msg == nil {
		return
	}
	bridge.Log(C.GoString(level), C.GoString(msg))
}

func main() {}
