package mqtt

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/eclipse/paho.golang/paho/log"
)

var _ log.Logger = debugLogger{}

// debugLogger adapts a logr.Logger to paho's Println/Printf logger.
type debugLogger struct {
	l logr.Logger
}

func newDebugLogger(l logr.Logger, component string) debugLogger {
	return debugLogger{l: l.WithName(component).V(1)}
}

func (d debugLogger) Println(v ...any) {
	d.l.Info(fmt.Sprint(v...))
}

func (d debugLogger) Printf(format string, v ...any) {
	d.l.Info(fmt.Sprintf(format, v...))
}
