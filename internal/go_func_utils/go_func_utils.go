package go_func_utils

import (
	"log"
	"runtime/debug"
)

func SafeGo(logger *log.Logger, fn func()) {
	// the tview UI owns the terminal, so a panicking goroutine would vanish
	// without a trace - capture it in the logger before crashing out again
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}
