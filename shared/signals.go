package main

/*
#include <stdlib.h>

typedef void (*signal_callback)(const char *);

static void call_signal_callback(void *cb, const char *data) {
	((signal_callback)cb)(data);
}
*/
import "C"

import (
	"sync"
	"unsafe"

	"github.com/hsmcard/hsmcard-go/signal"
)

var (
	callbackMu sync.Mutex
	callback   unsafe.Pointer
)

// setSignalEventCallback forwards every signal to the C function cb as a
// NUL-terminated JSON string. A nil cb stops forwarding.
func setSignalEventCallback(cb unsafe.Pointer) {
	callbackMu.Lock()
	defer callbackMu.Unlock()

	callback = cb
	if cb == nil {
		signal.ResetSignalHandler()
		return
	}
	signal.SetSignalHandler(forwardSignal)
}

func forwardSignal(data []byte) {
	callbackMu.Lock()
	cb := callback
	callbackMu.Unlock()

	if cb == nil {
		return
	}

	str := C.CString(string(data))
	defer C.free(unsafe.Pointer(str))
	C.call_signal_callback(cb, str)
}
