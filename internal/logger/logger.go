// Package logger: асинхронный лог с префиксом сервиса и уровнями debug/info/warn/error.
// Запись идёт через буферизованный канал, чтобы горячий путь (рассылка, обработка кадров) не ждал stdout.
package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	asyncBufferSize = 8192
	slowCall        = 100 * time.Millisecond
)

type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel понимает debug/trace, info, warn/warning, error; остальное: info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug", "trace":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	}
	return LevelInfo
}

type entry struct {
	msg   string
	flush chan struct{}
}

var (
	prefix  atomic.Value
	level   atomic.Int32
	dropped atomic.Int64

	once sync.Once
	ch   chan entry
	out  = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)
)

func init() {
	prefix.Store("")
	level.Store(int32(ParseLevel(os.Getenv("LOG_LEVEL"))))
}

func start() {
	ch = make(chan entry, asyncBufferSize)
	go func() {
		for e := range ch {
			if e.flush != nil {
				close(e.flush)
				continue
			}
			out.Print(e.msg)
		}
	}()
}

func enqueue(msg string) {
	once.Do(start)
	select {
	case ch <- entry{msg: msg}:
	default:
		dropped.Add(1)
	}
}

// SetPrefix задаёт префикс всех последующих строк ("api").
func SetPrefix(p string) { prefix.Store(p) }

// SetLevel: уровень из конфигурации (log_level / LOG_LEVEL).
func SetLevel(s string) { level.Store(int32(ParseLevel(s))) }

// SetOutput подменяет приёмник (тесты).
func SetOutput(w io.Writer) { out.SetOutput(w) }

func Enabled(l Level) bool { return Level(level.Load()) <= l }

// Flush ждёт, пока всё поставленное в очередь будет записано, не дольше timeout.
// Вызывается при остановке сервиса; возвращает число строк, потерянных из-за переполнения буфера.
func Flush(timeout time.Duration) int64 {
	once.Do(start)
	done := make(chan struct{})
	select {
	case ch <- entry{flush: done}:
		select {
		case <-done:
		case <-time.After(timeout):
		}
	case <-time.After(timeout):
	}
	return dropped.Load()
}

func write(l Level, tag, msg string) {
	if !Enabled(l) {
		return
	}
	p := prefix.Load().(string)
	if p != "" {
		p = "[" + p + "] "
	}
	enqueue(p + tag + msg)
}

func Info(v ...any)                 { write(LevelInfo, "", fmt.Sprint(v...)) }
func Infof(format string, v ...any) { write(LevelInfo, "", fmt.Sprintf(format, v...)) }

// Debugf пишет только при уровне debug; аргументы не форматируются, если уровень выше.
func Debugf(format string, v ...any) {
	if !Enabled(LevelDebug) {
		return
	}
	write(LevelDebug, "DEBUG: ", fmt.Sprintf(format, v...))
}

// Warnf: деградация, после которой работа продолжается (медленный клиент, недоступный push).
func Warnf(format string, v ...any) { write(LevelWarn, "WARN: ", fmt.Sprintf(format, v...)) }

func Error(v ...any)                 { write(LevelError, "ERROR: ", fmt.Sprint(v...)) }
func Errorf(format string, v ...any) { write(LevelError, "ERROR: ", fmt.Sprintf(format, v...)) }

// LogDuration пишет время выполнения fn: при debug: всегда, иначе только вызовы дольше 100ms.
func LogDuration(fn string, start time.Time) {
	elapsed := time.Since(start)
	l := LevelDebug
	if elapsed >= slowCall {
		l = LevelInfo
	}
	if !Enabled(l) {
		return
	}
	write(l, "", fmt.Sprintf("fn=%s duration_ms=%d", fn, elapsed.Milliseconds()))
}

// DeferLogDuration: defer logger.DeferLogDuration("delivery.SendMessage", time.Now())()
func DeferLogDuration(fn string, start time.Time) func() {
	return func() { LogDuration(fn, start) }
}
