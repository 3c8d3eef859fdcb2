// Package logging is a leveled, text/template-driven logger: a sync.Pool
// of buffers, the fixed JSON line template DefaultFormat, and
// DEBUG/INFO/WARN/ERROR/FATAL levels. A Logger is a standalone value the connection manager,
// the config loader and the CGI gateway can all share.
package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"runtime"
	"strconv"
	"sync"
	"text/template"
	"time"
)

// DefaultFormat is the default log line template. The message field is
// appended by the logger itself, JSON-escaped.
const DefaultFormat = `{"app_name":"{{.app_name}}","time":"{{.time_rfc3339}}",` +
	`"level":"{{.level}}","file":"{{.short_file}}","line":"{{.line}}"}`

type level uint8

const (
	lvlDebug level = iota
	lvlInfo
	lvlWarn
	lvlError
	lvlFatal
)

var levelNames = [...]string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}

// Logger is a leveled logger writing to Output, using a single compiled
// template for every line.
type Logger struct {
	AppName string
	Output  io.Writer
	Enabled bool

	template   *template.Template
	bufferPool sync.Pool
	mutex      sync.Mutex
}

// New returns a Logger named appName, enabled by default, writing to
// os.Stdout with DefaultFormat.
func New(appName string) *Logger {
	return &Logger{
		AppName: appName,
		Output:  os.Stdout,
		Enabled: true,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 256))
			},
		},
	}
}

func (l *Logger) log(lvl level, format string, args ...interface{}) {
	if !l.Enabled {
		return
	}
	if l.template == nil {
		l.template = template.Must(template.New("logging").Parse(DefaultFormat))
	}

	message := fmt.Sprintf(format, args...)

	_, file, line, _ := runtime.Caller(2)

	data := map[string]interface{}{
		"app_name":     l.AppName,
		"time_rfc3339": time.Now().Format(time.RFC3339),
		"level":        levelNames[lvl],
		"short_file":   path.Base(file),
		"line":         strconv.Itoa(line),
	}

	l.mutex.Lock()
	defer l.mutex.Unlock()

	buf := l.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		l.bufferPool.Put(buf)
	}()

	if err := l.template.Execute(buf, data); err != nil {
		fmt.Fprintf(l.Output, "%s\n", message)
		return
	}

	s := buf.Bytes()
	if len(s) > 0 && s[len(s)-1] == '}' {
		buf.Truncate(buf.Len() - 1)
		buf.WriteString(`,"message":`)
		b, _ := json.Marshal(message)
		buf.Write(b)
		buf.WriteByte('}')
	} else {
		buf.WriteByte(' ')
		buf.WriteString(message)
	}
	buf.WriteByte('\n')

	l.Output.Write(buf.Bytes())
}

// Debugf logs at DEBUG level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.log(lvlDebug, format, args...) }

// Infof logs at INFO level.
func (l *Logger) Infof(format string, args ...interface{}) { l.log(lvlInfo, format, args...) }

// Warnf logs at WARN level.
func (l *Logger) Warnf(format string, args ...interface{}) { l.log(lvlWarn, format, args...) }

// Errorf logs at ERROR level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.log(lvlError, format, args...) }

// Fatalf logs at FATAL level and exits the process with status 1.
func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.log(lvlFatal, format, args...)
	os.Exit(1)
}
