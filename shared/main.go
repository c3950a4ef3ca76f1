package main

// #cgo LDFLAGS: -shared
// #include <stdlib.h>
import "C"

import "unsafe"

func main() {}

//export Free
func Free(param unsafe.Pointer) {
	C.free(param)
}

//export HSMSetSignalEventCallback
func HSMSetSignalEventCallback(cb unsafe.Pointer) {
	setSignalEventCallback(cb)
}
