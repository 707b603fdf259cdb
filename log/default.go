package log

import (
	"context"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	F "github.com/sagernet/sing/common/format"
	"github.com/sagernet/sing/common/observable"
)

var (
	_ Factory           = (*simpleFactory)(nil)
	_ ObservableFactory = (*simpleFactory)(nil)
)

type simpleFactory struct {
	formatter  Formatter
	access     sync.Mutex
	writer     io.Writer
	level      atomic.Uint32
	subscriber *observable.Subscriber[Entry]
	observer   *observable.Observer[Entry]
}

func NewFactory(formatter Formatter, writer io.Writer) Factory {
	factory := &simpleFactory{
		formatter: formatter,
		writer:    writer,
	}
	factory.level.Store(uint32(LevelTrace))
	return factory
}

// NewObservableFactory returns a factory whose entries can also be
// subscribed to, used by the admin API log stream.
func NewObservableFactory(formatter Formatter, writer io.Writer) ObservableFactory {
	factory := &simpleFactory{
		formatter:  formatter,
		writer:     writer,
		subscriber: observable.NewSubscriber[Entry](128),
	}
	factory.level.Store(uint32(LevelTrace))
	factory.observer = observable.NewObserver[Entry](factory.subscriber, 64)
	return factory
}

func (f *simpleFactory) Level() Level {
	return Level(f.level.Load())
}

func (f *simpleFactory) SetLevel(level Level) {
	f.level.Store(uint32(level))
}

func (f *simpleFactory) Logger() ContextLogger {
	return f.NewLogger("")
}

func (f *simpleFactory) NewLogger(tag string) ContextLogger {
	return &simpleLogger{f, tag}
}

func (f *simpleFactory) Subscribe() (subscription observable.Subscription[Entry], done <-chan struct{}, err error) {
	if f.observer == nil {
		return nil, nil, os.ErrInvalid
	}
	return f.observer.Subscribe()
}

func (f *simpleFactory) UnSubscribe(sub observable.Subscription[Entry]) {
	if f.observer != nil {
		f.observer.UnSubscribe(sub)
	}
}

var _ ContextLogger = (*simpleLogger)(nil)

type simpleLogger struct {
	*simpleFactory
	tag string
}

func (l *simpleLogger) Log(ctx context.Context, level Level, args []any) {
	if level > l.Level() {
		return
	}
	message, messageSimple := l.formatter.FormatWithSimple(ctx, level, l.tag, F.ToString(args...), time.Now())
	if level == LevelPanic {
		panic(message)
	}
	l.access.Lock()
	l.writer.Write([]byte(message))
	l.access.Unlock()
	if level == LevelFatal {
		os.Exit(1)
	}
	if l.subscriber != nil {
		l.subscriber.Emit(Entry{level, messageSimple})
	}
}

func (l *simpleLogger) Trace(args ...any) {
	l.TraceContext(context.Background(), args...)
}

func (l *simpleLogger) Debug(args ...any) {
	l.DebugContext(context.Background(), args...)
}

func (l *simpleLogger) Info(args ...any) {
	l.InfoContext(context.Background(), args...)
}

func (l *simpleLogger) Warn(args ...any) {
	l.WarnContext(context.Background(), args...)
}

func (l *simpleLogger) Error(args ...any) {
	l.ErrorContext(context.Background(), args...)
}

func (l *simpleLogger) Fatal(args ...any) {
	l.FatalContext(context.Background(), args...)
}

func (l *simpleLogger) Panic(args ...any) {
	l.PanicContext(context.Background(), args...)
}

func (l *simpleLogger) TraceContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelTrace, args)
}

func (l *simpleLogger) DebugContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelDebug, args)
}

func (l *simpleLogger) InfoContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelInfo, args)
}

func (l *simpleLogger) WarnContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelWarn, args)
}

func (l *simpleLogger) ErrorContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelError, args)
}

func (l *simpleLogger) FatalContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelFatal, args)
}

func (l *simpleLogger) PanicContext(ctx context.Context, args ...any) {
	l.Log(ctx, LevelPanic, args)
}
