package mixcore

import "github.com/sirupsen/logrus"

// ErrorHandler receives engine-side failures that have no caller to return
// to: async auto-connect problems, slow dispatcher operations, render-context
// faults. Boundary calls never end up here; they report through their result.
type ErrorHandler interface {
	HandleError(error)
}

// LogErrorHandler is the default handler; it reports through the process
// logger and nothing else.
type LogErrorHandler struct{}

// HandleError implements ErrorHandler.
func (h *LogErrorHandler) HandleError(err error) {
	logrus.WithFields(logrus.Fields{
		"function": "HandleError",
		"error":    err.Error(),
	}).Error("engine error")
}

// ErrorHandlerFunc adapts a function to the ErrorHandler interface.
type ErrorHandlerFunc func(error)

// HandleError implements ErrorHandler.
func (f ErrorHandlerFunc) HandleError(err error) { f(err) }
