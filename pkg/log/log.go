package log

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// Setup builds a zap-backed logr.Logger. Development mode uses console
// encoding with debug level enabled.
func Setup(development bool) logr.Logger {
	var (
		zl  *zap.Logger
		err error
	)
	if development {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		// Config is static; construction only fails on programmer error.
		panic(err)
	}
	return zapr.NewLogger(zl)
}
