package util

import (
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// PanicHandler provides centralized panic recovery and logging
type PanicHandler struct {
	logger *logrus.Logger
}

// NewPanicHandler creates a new panic handler
func NewPanicHandler(logger *logrus.Logger) *PanicHandler {
	return &PanicHandler{logger: logger}
}

// Recover recovers from panics and logs them. Use with defer at every
// dispatch boundary so a faulty handler degrades to a dropped message.
func (ph *PanicHandler) Recover(component string) {
	if r := recover(); r != nil {
		ph.logger.WithFields(logrus.Fields{
			"component":   component,
			"panic_value": r,
			"stack_trace": string(debug.Stack()),
		}).Error("Panic recovered")
	}
}

// SafeGo starts a goroutine with panic recovery
func (ph *PanicHandler) SafeGo(component string, fn func()) {
	go func() {
		defer ph.Recover(component)
		fn()
	}()
}
