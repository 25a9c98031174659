package logger

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	InfoLog  *log.Logger
	ErrorLog *log.Logger
	WarnLog  *log.Logger
	DebugLog *log.Logger
	logFile  *os.File
	level    = INFO
	initOnce sync.Once
)

const (
	INFO = iota
	DEBUG
)

// InitLogger initializes the logger with console output and, when filename
// is not empty, an additional append-only log file.
func InitLogger(filename string, lvl int) error {
	var out io.Writer = os.Stdout
	var errOut io.Writer = os.Stderr
	if filename != "" {
		f, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
		if err != nil {
			return err
		}
		logFile = f
		out = io.MultiWriter(os.Stdout, f)
		errOut = io.MultiWriter(os.Stderr, f)
	}

	level = lvl
	setOutputs(out, errOut)
	initOnce.Do(func() {})
	return nil
}

// SetOutput redirects every level to w. Used by tests to keep output quiet.
func SetOutput(w io.Writer) {
	setOutputs(w, w)
	initOnce.Do(func() {})
}

func setOutputs(out, errOut io.Writer) {
	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	InfoLog = log.New(out, "INFO: ", flags)
	WarnLog = log.New(out, "WARN: ", flags)
	ErrorLog = log.New(errOut, "ERROR: ", flags)
	DebugLog = log.New(out, "DEBUG: ", flags)
}

func Close() {
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func Init() {
	initOnce.Do(func() {
		setOutputs(os.Stdout, os.Stderr)
	})
}

func Info(format string, v ...interface{}) {
	Init()
	InfoLog.Printf(format, v...)
}

func Infof(format string, v ...interface{}) {
	Info(format, v...)
}

func Error(format string, v ...interface{}) {
	Init()
	ErrorLog.Printf(format, v...)
}

func Errorf(format string, v ...interface{}) {
	Error(format, v...)
}

func Warn(format string, v ...interface{}) {
	Init()
	WarnLog.Printf(format, v...)
}

func Warnf(format string, v ...interface{}) {
	Warn(format, v...)
}

// Debugf is a no-op unless the logger was initialized at DEBUG level.
func Debugf(format string, v ...interface{}) {
	if level < DEBUG {
		return
	}
	Init()
	DebugLog.Printf(format, v...)
}
